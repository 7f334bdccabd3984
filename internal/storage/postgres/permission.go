package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// MapGrants returns the direct (allow, deny) grant for a user on a map.
// Both are zero when no grant row exists.
func (s *Store) MapGrants(ctx context.Context, mapID int, userID int64) (town.Permission, town.Permission, error) {
	var allow, deny int64
	err := s.db.QueryRow(ctx,
		`SELECT allow, deny FROM map_permissions WHERE mid = $1 AND uid = $2`,
		mapID, userID,
	).Scan(&allow, &deny)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("querying map grants: %w", err)
	}
	return town.Permission(allow), town.Permission(deny), nil
}

// GroupGrants returns the OR of all allow grants conferred on the map by the
// user's group memberships.
func (s *Store) GroupGrants(ctx context.Context, mapID int, userID int64) (town.Permission, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.allow
		FROM group_map_permissions p
		JOIN group_members gm ON gm.gid = p.gid
		WHERE gm.uid = $1 AND p.mid = $2`,
		userID, mapID,
	)
	if err != nil {
		return 0, fmt.Errorf("querying group grants: %w", err)
	}
	defer rows.Close()

	var combined town.Permission
	for rows.Next() {
		var allow int64
		if err := rows.Scan(&allow); err != nil {
			return 0, fmt.Errorf("scanning group grant: %w", err)
		}
		combined |= town.Permission(allow)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating group grants: %w", err)
	}
	return combined, nil
}

// SetMapGrant upserts the direct grant row for a user on a map.
func (s *Store) SetMapGrant(ctx context.Context, mapID int, userID int64, allow, deny town.Permission) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO map_permissions (mid, uid, allow, deny)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mid, uid)
		DO UPDATE SET allow = EXCLUDED.allow, deny = EXCLUDED.deny`,
		mapID, userID, int64(allow), int64(deny),
	)
	if err != nil {
		return fmt.Errorf("saving map grant: %w", err)
	}
	return nil
}
