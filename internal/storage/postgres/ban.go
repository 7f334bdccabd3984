package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// ActiveBan returns the unexpired ban matching an address, or nil. IPv4 bans
// are stored with per-octet columns so a stored '*' octet matches anything.
// An expired match is deleted on the spot and treated as no ban.
func (s *Store) ActiveBan(ctx context.Context, ip string) (*town.Ban, error) {
	if ip == "" {
		return nil, nil
	}

	var (
		ban    town.Ban
		expiry *time.Time
		err    error
	)

	octets := strings.Split(ip, ".")
	if len(octets) == 4 {
		query := `
			SELECT id, ip, expiry, reason FROM server_bans
			WHERE (ip1 = $1 OR ip1 = '*')
			  AND (ip2 = $2 OR ip2 = '*')
			  AND (ip3 = $3 OR ip3 = '*')
			  AND (ip4 = $4 OR ip4 = '*')
			LIMIT 1`
		err = s.db.QueryRow(ctx, query, octets[0], octets[1], octets[2], octets[3]).
			Scan(&ban.ID, &ban.IP, &expiry, &ban.Reason)
	} else {
		err = s.db.QueryRow(ctx,
			`SELECT id, ip, expiry, reason FROM server_bans WHERE ip = $1 LIMIT 1`, ip).
			Scan(&ban.ID, &ban.IP, &expiry, &ban.Reason)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ban list: %w", err)
	}

	ban.Expiry = expiry
	if expiry != nil && time.Now().After(*expiry) {
		if _, err := s.db.Exec(ctx, `DELETE FROM server_bans WHERE id = $1`, ban.ID); err != nil {
			return nil, fmt.Errorf("deleting expired ban: %w", err)
		}
		return nil, nil
	}
	return &ban, nil
}

// AddBan records a ban. IPv4 addresses are split into per-octet columns to
// support wildcard matching; other addresses match exactly.
func (s *Store) AddBan(ctx context.Context, ban *town.Ban) error {
	ip1, ip2, ip3, ip4 := "", "", "", ""
	if octets := strings.Split(ban.IP, "."); len(octets) == 4 {
		ip1, ip2, ip3, ip4 = octets[0], octets[1], octets[2], octets[3]
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO server_bans (ip, ip1, ip2, ip3, ip4, expiry, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		ban.IP, ip1, ip2, ip3, ip4, ban.Expiry, ban.Reason,
	).Scan(&ban.ID)
	if err != nil {
		return fmt.Errorf("inserting ban: %w", err)
	}
	return nil
}
