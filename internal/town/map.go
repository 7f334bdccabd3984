package town

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// Map is the surface the session core needs from a map engine: identity,
// geometry, occupancy, permission checks, event broadcast, and command
// delivery. The session core never inspects tile contents.
type Map interface {
	ID() int
	OwnerID() int64
	Size() (w, h int)
	StartPos() (x, y int)

	// HasPermission resolves a capability for a session on this map:
	// default-allow bits, the session's cached grants when this is its
	// current map, or a fresh store lookup otherwise. Deny bits are
	// informational and never subtract. When report is set, denials are
	// explained to the session.
	HasPermission(ctx context.Context, s *Session, perm Permission, report bool) bool

	// Broadcast sends a frame to every occupant, then to registered bot
	// listeners of the given categories that are not already occupants.
	Broadcast(code protocol.Code, payload any, categories ...WatchCategory)

	MapInfo() any
	MapSection(x1, y1, x2, y2 int) any
	// Who returns the occupant roster keyed by stringified session id.
	Who() map[string]WhoEntry

	AddOccupant(s *Session)
	RemoveOccupant(s *Session)
	OccupantCount() int

	Save(ctx context.Context) error
	// Unload releases engine resources after the registry has dropped the
	// map. Occupancy must already be empty.
	Unload()

	// ReceiveCommand handles one already-routed frame from a session that
	// is either standing on this map or remote-commanding it.
	ReceiveCommand(ctx context.Context, s *Session, code protocol.Code, payload json.RawMessage)
}

// GridMap is the built-in tile-grid map engine.
type GridMap struct {
	rec       *MapRecord
	world     *World
	occupants map[*Session]struct{}
	logger    *zap.Logger
}

// NewGridMap builds the engine around a persisted record.
func NewGridMap(w *World, rec *MapRecord) Map {
	return &GridMap{
		rec:       rec,
		world:     w,
		occupants: make(map[*Session]struct{}),
		logger:    w.logger.With(zap.Int("map_id", rec.ID)),
	}
}

func (m *GridMap) ID() int              { return m.rec.ID }
func (m *GridMap) OwnerID() int64       { return m.rec.Owner }
func (m *GridMap) Size() (int, int)     { return m.rec.Width, m.rec.Height }
func (m *GridMap) StartPos() (int, int) { return m.rec.StartX, m.rec.StartY }

func (m *GridMap) AddOccupant(s *Session)    { m.occupants[s] = struct{}{} }
func (m *GridMap) RemoveOccupant(s *Session) { delete(m.occupants, s) }
func (m *GridMap) OccupantCount() int        { return len(m.occupants) }

// HasPermission implements the three-source capability resolution. Session
// may be nil (treated as a guest with no grants).
func (m *GridMap) HasPermission(ctx context.Context, s *Session, perm Permission, report bool) bool {
	allow := m.rec.DefaultAllow
	if s != nil && !s.Guest() {
		if s.Map == Map(m) {
			allow |= s.MapAllow
		} else {
			direct, _, err := m.world.store.MapGrants(ctx, m.rec.ID, s.DBID)
			if err != nil {
				m.logger.Error("loading map grants", zap.Int64("user_id", s.DBID), zap.Error(err))
			}
			allow |= direct
			group, err := m.world.store.GroupGrants(ctx, m.rec.ID, s.DBID)
			if err != nil {
				m.logger.Error("loading group grants", zap.Int64("user_id", s.DBID), zap.Error(err))
			}
			allow |= group
		}
	}
	if allow.Has(perm) {
		return true
	}
	if report && s != nil {
		s.SendError("You don't have [tt]%s[/tt] permission on map %d", perm, m.rec.ID)
	}
	return false
}

// Broadcast delivers to occupants first, then to remote listeners of the
// named categories. A listener standing on the map is not sent a duplicate.
func (m *GridMap) Broadcast(code protocol.Code, payload any, categories ...WatchCategory) {
	for s := range m.occupants {
		s.Send(code, payload)
	}
	for _, cat := range categories {
		for _, s := range m.world.watcherList(cat, m.rec.ID) {
			if _, here := m.occupants[s]; !here {
				s.Send(code, payload)
			}
		}
	}
}

// MapInfo is the MAI payload.
func (m *GridMap) MapInfo() any {
	return map[string]any{
		"name":      m.rec.Name,
		"id":        m.rec.ID,
		"owner":     m.rec.Owner,
		"size":      [2]int{m.rec.Width, m.rec.Height},
		"start_pos": [2]int{m.rec.StartX, m.rec.StartY},
		"default":   defaultTurf,
	}
}

const defaultTurf = "grass"

// MapSection is the MAP payload for the requested region. Tile content is
// carried as stored; the engine does not interpret it here.
func (m *GridMap) MapSection(x1, y1, x2, y2 int) any {
	turf := json.RawMessage("[]")
	if len(m.rec.Tiles) > 0 {
		turf = json.RawMessage(m.rec.Tiles)
	}
	return map[string]any{
		"pos":     [4]int{x1, y1, x2, y2},
		"default": defaultTurf,
		"turf":    turf,
		"obj":     json.RawMessage("[]"),
	}
}

func (m *GridMap) Who() map[string]WhoEntry {
	out := make(map[string]WhoEntry, len(m.occupants))
	for s := range m.occupants {
		out[strconv.FormatInt(s.ID, 10)] = s.WhoEntry()
	}
	return out
}

func (m *GridMap) Save(ctx context.Context) error {
	return m.world.store.SaveMap(ctx, m.rec)
}

func (m *GridMap) Unload() {
	m.occupants = make(map[*Session]struct{})
}

// ReceiveCommand handles frames already routed to this map.
func (m *GridMap) ReceiveCommand(ctx context.Context, s *Session, code protocol.Code, payload json.RawMessage) {
	s.IdleTimer = 0
	switch code {
	case protocol.CodeMOV:
		var mv struct {
			To *[2]int `json:"to"`
		}
		if payload == nil || json.Unmarshal(payload, &mv) != nil || mv.To == nil {
			s.SendError("Bad MOV payload")
			return
		}
		s.MoveTo(mv.To[0], mv.To[1])
		m.Broadcast(protocol.CodeMOV,
			map[string]any{"id": s.ID, "to": *mv.To}, WatchMove)

	case protocol.CodeMSG:
		var t protocol.Text
		if payload == nil || json.Unmarshal(payload, &t) != nil {
			s.SendError("Bad MSG payload")
			return
		}
		msg := map[string]any{"name": s.Name, "id": s.ID, "text": t.Text}
		if s.Username != "" {
			msg["username"] = s.Username
		}
		m.Broadcast(protocol.CodeMSG, msg, WatchChat)

	case protocol.CodeCMD:
		var t protocol.Text
		if payload == nil || json.Unmarshal(payload, &t) != nil {
			s.SendError("Bad CMD payload")
			return
		}
		m.handleTextCommand(ctx, s, t.Text)

	default:
		s.SendError("Command %s is not handled here", code)
	}
}

// handleTextCommand implements the slash-style command set.
func (m *GridMap) handleTextCommand(ctx context.Context, s *Session, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "ride":
		if len(args) < 1 {
			s.FailedToFind("")
			return
		}
		other := m.world.findSession(args[0])
		if other == nil {
			s.FailedToFind(args[0])
			return
		}
		s.Ride(ctx, other)

	case "hopoff":
		s.Dismount()

	case "home":
		s.SendHome(ctx)

	case "tpa", "tpahere", "carry":
		if len(args) < 1 {
			s.FailedToFind("")
			return
		}
		other := m.world.findSession(args[0])
		if other == nil {
			s.FailedToFind(args[0])
			return
		}
		other.AddRequest(s, cmd)
		verb := map[string]string{
			"tpa":     "teleport to you",
			"tpahere": "teleport you to them",
			"carry":   "carry you",
		}[cmd]
		other.SendMessage("%s wants to %s ([command]tpaccept %s[/command] or [command]tpdeny %s[/command])",
			s.NameAndUsername(), verb, s.UsernameOrID(), s.UsernameOrID())
		s.SendMessage("Request sent to %s", other.NameAndUsername())

	case "tpaccept":
		if len(args) < 1 {
			s.FailedToFind("")
			return
		}
		req, ok := s.TakeRequest(args[0])
		if !ok {
			s.SendError("No pending request from %s", args[0])
			return
		}
		other := m.world.findSession(args[0])
		if other == nil {
			s.FailedToFind(args[0])
			return
		}
		switch req.Kind {
		case "tpa":
			pos := [2]int{s.X, s.Y}
			other.SwitchMap(ctx, s.MapID, SwitchOpts{NewPos: &pos})
		case "tpahere":
			pos := [2]int{other.X, other.Y}
			s.SwitchMap(ctx, other.MapID, SwitchOpts{NewPos: &pos})
		case "carry":
			s.Ride(ctx, other)
		}

	case "tpdeny":
		if len(args) < 1 {
			s.FailedToFind("")
			return
		}
		if _, ok := s.TakeRequest(args[0]); !ok {
			s.SendError("No pending request from %s", args[0])
			return
		}
		if other := m.world.findSession(args[0]); other != nil {
			other.SendMessage("%s denied your request", s.NameAndUsername())
		}

	case "register":
		if s.Username != "" {
			s.SendError("Your account is already registered")
			return
		}
		if len(args) < 2 {
			s.SendError("Syntax is: [tt]/register username password[/tt]")
			return
		}
		switch err := s.Register(ctx, args[0], args[1]); {
		case err == nil:
			s.SendMessage("Account created! You are now %s", s.Username)
		case err == ErrAccountExists:
			s.SendError("That username is already taken")
		default:
			s.logger.Error("registering account", zap.Error(err))
			s.SendError("Registration failed")
		}

	case "changepass":
		if s.Username == "" {
			s.SendError("Create an account first")
			return
		}
		if len(args) < 1 {
			s.SendError("Syntax is: [tt]/changepass password[/tt]")
			return
		}
		if err := s.ChangePassword(ctx, args[0]); err != nil {
			s.logger.Error("changing password", zap.Error(err))
			s.SendError("Password change failed")
			return
		}
		s.SendMessage("Password changed")

	case "listen":
		if len(args) < 2 {
			s.SendError("Syntax is: [tt]/listen category map[/tt]")
			return
		}
		cat, ok := WatchCategoryByName(args[0])
		if !ok {
			s.SendError("Unknown listener category %q", args[0])
			return
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			s.SendError("Bad map id %q", args[1])
			return
		}
		tm, err := m.world.getMap(ctx, target)
		if err != nil {
			s.SendError("Map %d is not available", target)
			return
		}
		if !tm.HasPermission(ctx, s, PermMapBot, true) {
			return
		}
		m.world.addWatch(s, cat, target)
		s.SendMessage("Listening to %s events on map %d", args[0], target)

	case "unlisten":
		if len(args) < 2 {
			s.SendError("Syntax is: [tt]/unlisten category map[/tt]")
			return
		}
		cat, ok := WatchCategoryByName(args[0])
		if !ok {
			s.SendError("Unknown listener category %q", args[0])
			return
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			s.SendError("Bad map id %q", args[1])
			return
		}
		m.world.removeWatch(s, cat, target)
		s.SendMessage("No longer listening to %s events on map %d", args[0], target)

	case "shutdown":
		if !s.MustBeServerAdmin(true) {
			return
		}
		ticks := 5
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				s.SendError("Bad countdown %q", args[0])
				return
			}
			ticks = n
		}
		if ticks == 0 {
			m.world.cancelShutdown()
			m.world.broadcastAll("Server shutdown cancelled")
			return
		}
		m.world.requestShutdown(ticks)
		m.world.broadcastAll("Server is going down in " + strconv.Itoa(ticks) + " seconds!")

	default:
		s.SendError("Invalid command?")
	}
}
