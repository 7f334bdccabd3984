// Package town implements the session and protocol core of the town server:
// per-connection session state, the command router, map transitions, the
// shared world registries, and the background maintenance tick.
package town

import (
	"context"
	"errors"
	"time"
)

// Home is a player's saved home location.
type Home struct {
	MapID int `json:"map_id"`
	X     int `json:"x"`
	Y     int `json:"y"`
}

// Account is the durable identity projection exchanged with the store.
type Account struct {
	ID       int64
	Username string
	// PassHash is formatted "salt:hash" for salted sha512, a bare hex digest
	// for legacy unsalted sha512, or a bcrypt hash depending on PassAlgo.
	PassHash string
	PassAlgo string

	Name           string
	Pic            []int
	MapID          int
	X, Y           int
	Home           *Home
	Watch          []string
	Ignore         []string
	ClientSettings string
	Tags           map[string]string
	LastSeen       time.Time
}

// Asset is one inventory item owned by an account.
type Asset struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Desc   string  `json:"desc"`
	Type   string  `json:"type"`
	Flags  int     `json:"flags"`
	Folder *int64  `json:"folder"`
	Data   string  `json:"data"`
}

// Mail is one delivered mail item, with sender and recipients already
// resolved to usernames.
type Mail struct {
	ID       int64    `json:"id"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Contents string   `json:"contents"`
	Flags    int      `json:"flags"`
}

// Ban is an IP or IP-range block. A nil Expiry never expires.
type Ban struct {
	ID     int64
	IP     string
	Expiry *time.Time
	Reason string
}

// MapRecord is the persisted state of a map consumed by the map engine.
// Tile content is carried opaquely; its semantics belong to the engine.
type MapRecord struct {
	ID           int
	Name         string
	Owner        int64
	Width        int
	Height       int
	StartX       int
	StartY       int
	DefaultAllow Permission
	DefaultDeny  Permission
	Tiles        []byte
}

// Store sentinel errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrMapNotFound     = errors.New("map not found")
)

// AccountStore provides durable account operations keyed by username.
type AccountStore interface {
	// GetAccount returns the full account row, or ErrAccountNotFound.
	GetAccount(ctx context.Context, username string) (*Account, error)
	// FindIDByUsername returns the account id, or 0 with ErrAccountNotFound.
	FindIDByUsername(ctx context.Context, username string) (int64, error)
	// CreateAccount inserts a bare account row and returns its id.
	CreateAccount(ctx context.Context, username string) (int64, error)
	// SaveAccount upserts the full mutable projection. acct.ID is updated
	// when the backing row had to be created.
	SaveAccount(ctx context.Context, acct *Account) error
	// UsernameByID resolves an account id to its username.
	UsernameByID(ctx context.Context, id int64) (string, error)
}

// AssetStore provides inventory queries by owner.
type AssetStore interface {
	AssetsByOwner(ctx context.Context, owner int64) ([]Asset, error)
}

// MailStore provides mail queries by recipient account id.
type MailStore interface {
	MailFor(ctx context.Context, recipient int64) ([]Mail, error)
}

// BanStore provides IP ban lookups. Expired bans are deleted lazily by the
// lookup itself.
type BanStore interface {
	// ActiveBan returns the matching unexpired ban, or nil when the address
	// is not banned. Wildcard octets in stored IPv4 bans are honoured.
	ActiveBan(ctx context.Context, ip string) (*Ban, error)
}

// PermissionStore resolves per-map capability grants.
type PermissionStore interface {
	// MapGrants returns the direct (allow, deny) grant for a user on a map;
	// both zero when no row exists.
	MapGrants(ctx context.Context, mapID int, userID int64) (Permission, Permission, error)
	// GroupGrants returns the OR of all allow grants conferred on the map by
	// the user's group memberships.
	GroupGrants(ctx context.Context, mapID int, userID int64) (Permission, error)
}

// MapStore provides map persistence for the registry.
type MapStore interface {
	// LoadMap returns the persisted record, or ErrMapNotFound.
	LoadMap(ctx context.Context, id int) (*MapRecord, error)
	SaveMap(ctx context.Context, rec *MapRecord) error
}

// Store aggregates every persistence interface the session core consumes.
type Store interface {
	AccountStore
	AssetStore
	MailStore
	BanStore
	PermissionStore
	MapStore
}
