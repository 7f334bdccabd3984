package town

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/config"
	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// fakeTransport captures outbound frames for assertions.
type fakeTransport struct {
	frames []string
	closed bool
	full   bool
}

func (t *fakeTransport) Enqueue(frame string) bool {
	if t.full {
		return false
	}
	t.frames = append(t.frames, frame)
	return true
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

// codes returns the command codes of all captured frames, in order.
func (t *fakeTransport) codes() []string {
	out := make([]string, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, string(f[:3]))
	}
	return out
}

// countCode counts captured frames with the given code.
func (t *fakeTransport) countCode(code protocol.Code) int {
	n := 0
	for _, f := range t.frames {
		if strings.HasPrefix(f, string(code)) {
			n++
		}
	}
	return n
}

// lastWithCode returns the payload text of the last frame with the code.
func (t *fakeTransport) lastWithCode(code protocol.Code) (string, bool) {
	for i := len(t.frames) - 1; i >= 0; i-- {
		if strings.HasPrefix(t.frames[i], string(code)) {
			if len(t.frames[i]) > 4 {
				return t.frames[i][4:], true
			}
			return "", true
		}
	}
	return "", false
}

type grantKey struct {
	mapID int
	uid   int64
}

// fakeStore is an in-memory Store for world and session tests.
type fakeStore struct {
	accounts    map[string]*Account
	nextID      int64
	assets      map[int64][]Asset
	mail        map[int64][]Mail
	bans        []*Ban
	grants      map[grantKey][2]Permission
	groupGrants map[grantKey]Permission
	maps        map[int]*MapRecord

	savedMaps    int
	savedAccts   int
	loadMapErr   error
	saveAcctErr  error
	activeBanErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    make(map[string]*Account),
		assets:      make(map[int64][]Asset),
		mail:        make(map[int64][]Mail),
		grants:      make(map[grantKey][2]Permission),
		groupGrants: make(map[grantKey]Permission),
		maps:        make(map[int]*MapRecord),
	}
}

func (f *fakeStore) GetAccount(_ context.Context, username string) (*Account, error) {
	acct, ok := f.accounts[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *acct
	return &copied, nil
}

func (f *fakeStore) FindIDByUsername(_ context.Context, username string) (int64, error) {
	acct, ok := f.accounts[username]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acct.ID, nil
}

func (f *fakeStore) CreateAccount(_ context.Context, username string) (int64, error) {
	if _, ok := f.accounts[username]; ok {
		return 0, ErrAccountExists
	}
	f.nextID++
	f.accounts[username] = &Account{ID: f.nextID, Username: username}
	return f.nextID, nil
}

func (f *fakeStore) SaveAccount(ctx context.Context, acct *Account) error {
	if f.saveAcctErr != nil {
		return f.saveAcctErr
	}
	if acct.ID == 0 {
		id, err := f.CreateAccount(ctx, acct.Username)
		if err != nil && err != ErrAccountExists {
			return err
		}
		if err == ErrAccountExists {
			id = f.accounts[acct.Username].ID
		}
		acct.ID = id
	}
	copied := *acct
	f.accounts[acct.Username] = &copied
	f.savedAccts++
	return nil
}

func (f *fakeStore) UsernameByID(_ context.Context, id int64) (string, error) {
	for name, acct := range f.accounts {
		if acct.ID == id {
			return name, nil
		}
	}
	return "", ErrAccountNotFound
}

func (f *fakeStore) AssetsByOwner(_ context.Context, owner int64) ([]Asset, error) {
	return f.assets[owner], nil
}

func (f *fakeStore) MailFor(_ context.Context, recipient int64) ([]Mail, error) {
	return f.mail[recipient], nil
}

func (f *fakeStore) ActiveBan(_ context.Context, ip string) (*Ban, error) {
	if f.activeBanErr != nil {
		return nil, f.activeBanErr
	}
	for _, ban := range f.bans {
		if banMatches(ban.IP, ip) {
			if ban.Expiry != nil && time.Now().After(*ban.Expiry) {
				continue
			}
			return ban, nil
		}
	}
	return nil, nil
}

func banMatches(pattern, ip string) bool {
	if pattern == ip {
		return true
	}
	po, io := strings.Split(pattern, "."), strings.Split(ip, ".")
	if len(po) != 4 || len(io) != 4 {
		return false
	}
	for i := range po {
		if po[i] != "*" && po[i] != io[i] {
			return false
		}
	}
	return true
}

func (f *fakeStore) MapGrants(_ context.Context, mapID int, userID int64) (Permission, Permission, error) {
	g := f.grants[grantKey{mapID, userID}]
	return g[0], g[1], nil
}

func (f *fakeStore) GroupGrants(_ context.Context, mapID int, userID int64) (Permission, error) {
	return f.groupGrants[grantKey{mapID, userID}], nil
}

func (f *fakeStore) LoadMap(_ context.Context, id int) (*MapRecord, error) {
	if f.loadMapErr != nil {
		return nil, f.loadMapErr
	}
	rec, ok := f.maps[id]
	if !ok {
		return nil, ErrMapNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeStore) SaveMap(_ context.Context, rec *MapRecord) error {
	copied := *rec
	f.maps[rec.ID] = &copied
	f.savedMaps++
	return nil
}

func testTickConfig() config.TickConfig {
	return config.TickConfig{
		Interval:    time.Second,
		PingInitial: 180,
		PingReset:   300,
		RequestTTL:  600,
	}
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:             "127.0.0.1",
		Port:             12550,
		MOTD:             "welcome",
		Admins:           []string{"admin"},
		AlwaysLoadedMaps: []int{0},
		DefaultMap:       0,
	}
}

func newTestWorld(t *testing.T) (*World, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	w := NewWorld(testServerConfig(), testTickConfig(), store, NewGridMap, zap.NewNop())
	return w, store
}

// connectSession admits a session over a fresh capture transport.
func connectSession(t *testing.T, w *World) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s, err := w.Connect(context.Background(), tr, "10.0.0.1")
	if err != nil {
		t.Fatalf("connecting session: %v", err)
	}
	return s, tr
}

// placeSession connects and places a session on the default map.
func placeSession(t *testing.T, w *World) (*Session, *fakeTransport) {
	t.Helper()
	s, tr := connectSession(t, w)
	if !s.SwitchMap(context.Background(), w.cfg.DefaultMap, SwitchOpts{}) {
		t.Fatal("placing session on default map")
	}
	return s, tr
}
