package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// DB exposes the store's pool to the external test package.
func (s *Store) DB() *pgxpool.Pool {
	return s.db
}
