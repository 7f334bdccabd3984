package postgres

import (
	"context"
	"fmt"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// AssetsByOwner returns all inventory items for an account, folders first
// then by name, so clients can render the tree in one pass.
func (s *Store) AssetsByOwner(ctx context.Context, owner int64) ([]town.Asset, error) {
	query := `
		SELECT aid, name, description, type, flags, folder, data
		FROM assets
		WHERE owner = $1
		ORDER BY folder NULLS FIRST, name`

	rows, err := s.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("querying assets: %w", err)
	}
	defer rows.Close()

	var out []town.Asset
	for rows.Next() {
		var a town.Asset
		if err := rows.Scan(&a.ID, &a.Name, &a.Desc, &a.Type, &a.Flags, &a.Folder, &a.Data); err != nil {
			return nil, fmt.Errorf("scanning asset: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assets: %w", err)
	}
	return out, nil
}
