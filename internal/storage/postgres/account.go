package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// GetAccount returns the full account row for a username.
//
// Postcondition: Returns town.ErrAccountNotFound when no row exists.
func (s *Store) GetAccount(ctx context.Context, username string) (*town.Account, error) {
	query := `
		SELECT uid, username, passhash, passalgo, name, pic,
		       mid, map_x, map_y, home, watch, ignore_list,
		       client_settings, tags, last_seen
		FROM users
		WHERE username = $1`

	var (
		acct     town.Account
		picRaw   []byte
		homeRaw  []byte
		watchRaw []byte
		ignRaw   []byte
		tagsRaw  []byte
		lastSeen *time.Time
	)
	err := s.db.QueryRow(ctx, query, username).Scan(
		&acct.ID, &acct.Username, &acct.PassHash, &acct.PassAlgo,
		&acct.Name, &picRaw, &acct.MapID, &acct.X, &acct.Y,
		&homeRaw, &watchRaw, &ignRaw, &acct.ClientSettings, &tagsRaw, &lastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, town.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	if err := json.Unmarshal(picRaw, &acct.Pic); err != nil {
		return nil, fmt.Errorf("decoding pic: %w", err)
	}
	if len(homeRaw) > 0 {
		if err := json.Unmarshal(homeRaw, &acct.Home); err != nil {
			return nil, fmt.Errorf("decoding home: %w", err)
		}
	}
	if err := json.Unmarshal(watchRaw, &acct.Watch); err != nil {
		return nil, fmt.Errorf("decoding watch list: %w", err)
	}
	if err := json.Unmarshal(ignRaw, &acct.Ignore); err != nil {
		return nil, fmt.Errorf("decoding ignore list: %w", err)
	}
	if err := json.Unmarshal(tagsRaw, &acct.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if lastSeen != nil {
		acct.LastSeen = *lastSeen
	}
	return &acct, nil
}

// FindIDByUsername resolves a username to its account id.
func (s *Store) FindIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `SELECT uid FROM users WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, town.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying account id: %w", err)
	}
	return id, nil
}

// CreateAccount inserts a bare account row.
//
// Postcondition: Returns town.ErrAccountExists when the username is taken.
func (s *Store) CreateAccount(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (username, registered_at) VALUES ($1, NOW()) RETURNING uid`,
		username,
	).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, town.ErrAccountExists
		}
		return 0, fmt.Errorf("creating account: %w", err)
	}
	return id, nil
}

// SaveAccount persists the full mutable projection, creating the backing row
// on first save. acct.ID is updated when the row had to be created.
func (s *Store) SaveAccount(ctx context.Context, acct *town.Account) error {
	if acct.ID == 0 {
		id, err := s.FindIDByUsername(ctx, acct.Username)
		if errors.Is(err, town.ErrAccountNotFound) {
			id, err = s.CreateAccount(ctx, acct.Username)
		}
		if err != nil {
			return err
		}
		acct.ID = id
	}

	pic, err := json.Marshal(acct.Pic)
	if err != nil {
		return fmt.Errorf("encoding pic: %w", err)
	}
	var home []byte
	if acct.Home != nil {
		if home, err = json.Marshal(acct.Home); err != nil {
			return fmt.Errorf("encoding home: %w", err)
		}
	}
	watch, err := json.Marshal(acct.Watch)
	if err != nil {
		return fmt.Errorf("encoding watch list: %w", err)
	}
	ignore, err := json.Marshal(acct.Ignore)
	if err != nil {
		return fmt.Errorf("encoding ignore list: %w", err)
	}
	tags, err := json.Marshal(acct.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query := `
		UPDATE users
		SET passhash = $2, passalgo = $3, name = $4, pic = $5,
		    mid = $6, map_x = $7, map_y = $8, home = $9,
		    watch = $10, ignore_list = $11, client_settings = $12,
		    tags = $13, last_seen = $14
		WHERE uid = $1`
	tag, err := s.db.Exec(ctx, query,
		acct.ID, acct.PassHash, acct.PassAlgo, acct.Name, pic,
		acct.MapID, acct.X, acct.Y, home,
		watch, ignore, acct.ClientSettings, tags, acct.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return town.ErrAccountNotFound
	}
	return nil
}

// UsernameByID resolves an account id to its username.
func (s *Store) UsernameByID(ctx context.Context, id int64) (string, error) {
	var username string
	err := s.db.QueryRow(ctx, `SELECT username FROM users WHERE uid = $1`, id).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", town.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying username: %w", err)
	}
	return username, nil
}
