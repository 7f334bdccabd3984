package town

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/config"
	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// ErrBanned is returned by Connect when the address is blocked.
var ErrBanned = errors.New("address is banned")

// MapFactory builds a map engine around a loaded record.
type MapFactory func(w *World, rec *MapRecord) Map

// World owns the shared registries: connected sessions, loaded maps, and bot
// listener registrations. A single mutex serialises all world mutation; the
// command router and the background tick each hold it for their entire pass,
// so session and map code inside those passes runs lock-free.
type World struct {
	mu sync.Mutex

	cfg    config.ServerConfig
	tick   config.TickConfig
	store  Store
	newMap MapFactory
	logger *zap.Logger

	admins       map[string]struct{}
	alwaysLoaded map[int]struct{}

	sessions map[*Session]struct{}
	maps     map[int]Map

	// watchers[category][mapID] is the set of bot-listener sessions.
	watchers [watchCategoryCount]map[int]map[*Session]struct{}

	// shutdownTicks counts down in the background tick; 0 means no shutdown
	// is pending.
	shutdownTicks int

	nextSession atomic.Int64
}

// NewWorld builds the world registries.
//
// Precondition: store, newMap, and logger must be non-nil.
func NewWorld(cfg config.ServerConfig, tick config.TickConfig, store Store, newMap MapFactory, logger *zap.Logger) *World {
	w := &World{
		cfg:          cfg,
		tick:         tick,
		store:        store,
		newMap:       newMap,
		logger:       logger,
		admins:       make(map[string]struct{}, len(cfg.Admins)),
		alwaysLoaded: make(map[int]struct{}, len(cfg.AlwaysLoadedMaps)),
		sessions:     make(map[*Session]struct{}),
		maps:         make(map[int]Map),
	}
	for _, name := range cfg.Admins {
		w.admins[FilterUsername(name)] = struct{}{}
	}
	for _, id := range cfg.AlwaysLoadedMaps {
		w.alwaysLoaded[id] = struct{}{}
	}
	for i := range w.watchers {
		w.watchers[i] = make(map[int]map[*Session]struct{})
	}
	return w
}

// Connect admits a new transport as a session after the server-ban check.
// A banned address is told the ban reason and expiry, closed, and never
// enters the registry.
func (w *World) Connect(ctx context.Context, t Transport, ip string) (*Session, error) {
	ban, err := w.store.ActiveBan(ctx, ip)
	if err != nil {
		w.logger.Error("checking ban list", zap.String("ip", ip), zap.Error(err))
		// Fail open: a store fault must not lock everyone out.
	}
	if ban != nil {
		expiry := "forever"
		if ban.Expiry != nil {
			expiry = ban.Expiry.UTC().Format(time.RFC1123)
		}
		frame, encErr := protocol.Encode(protocol.CodeERR,
			protocol.Text{Text: fmt.Sprintf("Banned from the server until %s (%s)", expiry, ban.Reason)})
		if encErr == nil {
			t.Enqueue(frame)
		}
		_ = t.Close()
		return nil, fmt.Errorf("%w: %s", ErrBanned, ip)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	s := newSession(w, t, ip, w.logger)
	w.sessions[s] = struct{}{}
	return s, nil
}

// Teardown runs the full disconnect sequence for a session: cleanup, map
// departure with its WHO broadcast, registry removal, then a best-effort
// save outside the lock.
func (w *World) Teardown(ctx context.Context, s *Session) {
	w.mu.Lock()
	s.Cleanup()
	if s.Map != nil {
		s.Map.RemoveOccupant(s)
		s.Map.Broadcast(protocol.CodeWHO, map[string]any{"remove": s.ID}, WatchEntry)
		s.Map = nil
	}
	delete(w.sessions, s)
	w.mu.Unlock()

	if err := s.Save(ctx); err != nil {
		w.logger.Error("saving session on disconnect",
			zap.String("username", s.Username), zap.Error(err))
	}
}

// RequestShutdown arms the shutdown countdown from outside a dispatch pass.
func (w *World) RequestShutdown(ticks int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requestShutdown(ticks)
}

// The methods below assume w.mu is held (or a single-threaded caller).

func (w *World) isAdmin(username string) bool {
	_, ok := w.admins[username]
	return ok
}

// getMap returns the loaded map, loading it on demand. A map id with no
// persisted record is created fresh with default settings, mirroring how
// maps come into existence in the first place.
func (w *World) getMap(ctx context.Context, id int) (Map, error) {
	if m, ok := w.maps[id]; ok {
		return m, nil
	}
	rec, err := w.store.LoadMap(ctx, id)
	if errors.Is(err, ErrMapNotFound) {
		rec = defaultMapRecord(id)
		if saveErr := w.store.SaveMap(ctx, rec); saveErr != nil {
			return nil, fmt.Errorf("creating map %d: %w", id, saveErr)
		}
		w.logger.Info("created map", zap.Int("map_id", id))
	} else if err != nil {
		return nil, fmt.Errorf("loading map %d: %w", id, err)
	}
	m := w.newMap(w, rec)
	w.maps[id] = m
	w.logger.Info("loaded map", zap.Int("map_id", id))
	return m, nil
}

func defaultMapRecord(id int) *MapRecord {
	return &MapRecord{
		ID:           id,
		Name:         "Map " + fmt.Sprint(id),
		Width:        64,
		Height:       64,
		StartX:       32,
		StartY:       32,
		DefaultAllow: PermEntry | PermBuild,
	}
}

// loadedMap returns a map only if it is already resident.
func (w *World) loadedMap(id int) (Map, bool) {
	m, ok := w.maps[id]
	return m, ok
}

func (w *World) sessionCount() int { return len(w.sessions) }

func (w *World) sessionSnapshot() []*Session {
	out := make([]*Session, 0, len(w.sessions))
	for s := range w.sessions {
		out = append(out, s)
	}
	return out
}

// findSession resolves a player by username, session id, or display name,
// case-insensitively.
func (w *World) findSession(name string) *Session {
	lowered := strings.ToLower(name)
	for s := range w.sessions {
		if strings.ToLower(s.UsernameOrID()) == lowered || strings.ToLower(s.Name) == lowered {
			return s
		}
	}
	return nil
}

// broadcastAll sends a MSG to every connected session, placed or not.
func (w *World) broadcastAll(text string) {
	for s := range w.sessions {
		s.SendMessage("%s", text)
	}
}

func (w *World) requestShutdown(ticks int) {
	w.shutdownTicks = ticks
	w.logger.Warn("shutdown countdown armed", zap.Int("ticks", ticks))
}

func (w *World) cancelShutdown() {
	w.shutdownTicks = 0
	w.logger.Info("shutdown countdown cancelled")
}

// addWatch registers a bot listener and mirrors the registration on the
// session so cleanup can find it.
func (w *World) addWatch(s *Session, cat WatchCategory, mapID int) {
	set, ok := w.watchers[cat][mapID]
	if !ok {
		set = make(map[*Session]struct{})
		w.watchers[cat][mapID] = set
	}
	set[s] = struct{}{}
	s.listening[watchKey{cat: cat, mapID: mapID}] = struct{}{}
}

func (w *World) removeWatch(s *Session, cat WatchCategory, mapID int) {
	if set, ok := w.watchers[cat][mapID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(w.watchers[cat], mapID)
		}
	}
	delete(s.listening, watchKey{cat: cat, mapID: mapID})
}

// dropWatches removes every listener registration a session holds.
func (w *World) dropWatches(s *Session) {
	for key := range s.listening {
		w.removeWatch(s, key.cat, key.mapID)
	}
}

func (w *World) hasWatchers(cat WatchCategory, mapID int) bool {
	return len(w.watchers[cat][mapID]) > 0
}

func (w *World) watcherList(cat WatchCategory, mapID int) []*Session {
	set := w.watchers[cat][mapID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
