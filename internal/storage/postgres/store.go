package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements town.Store over a pgx pool.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates the persistence layer.
//
// Precondition: pool must be non-nil and healthy.
func NewStore(pool *Pool) *Store {
	return &Store{db: pool.DB()}
}

// isDuplicateKeyError reports whether err is a unique-constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
