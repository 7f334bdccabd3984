package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// LoadMap returns the persisted map record.
//
// Postcondition: Returns town.ErrMapNotFound when no row exists.
func (s *Store) LoadMap(ctx context.Context, id int) (*town.MapRecord, error) {
	query := `
		SELECT mid, name, owner, width, height, start_x, start_y, allow, deny, tiles
		FROM maps
		WHERE mid = $1`

	var (
		rec         town.MapRecord
		allow, deny int64
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &rec.Owner, &rec.Width, &rec.Height,
		&rec.StartX, &rec.StartY, &allow, &deny, &rec.Tiles,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, town.ErrMapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading map %d: %w", id, err)
	}
	rec.DefaultAllow = town.Permission(allow)
	rec.DefaultDeny = town.Permission(deny)
	return &rec, nil
}

// SaveMap upserts the full map record.
func (s *Store) SaveMap(ctx context.Context, rec *town.MapRecord) error {
	tiles := rec.Tiles
	if tiles == nil {
		tiles = []byte("[]")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO maps (mid, name, owner, width, height, start_x, start_y, allow, deny, tiles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (mid) DO UPDATE SET
			name = EXCLUDED.name, owner = EXCLUDED.owner,
			width = EXCLUDED.width, height = EXCLUDED.height,
			start_x = EXCLUDED.start_x, start_y = EXCLUDED.start_y,
			allow = EXCLUDED.allow, deny = EXCLUDED.deny,
			tiles = EXCLUDED.tiles`,
		rec.ID, rec.Name, rec.Owner, rec.Width, rec.Height,
		rec.StartX, rec.StartY, int64(rec.DefaultAllow), int64(rec.DefaultDeny), tiles,
	)
	if err != nil {
		return fmt.Errorf("saving map %d: %w", rec.ID, err)
	}
	return nil
}
