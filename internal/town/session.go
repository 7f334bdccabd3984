package town

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// teleportHistoryCap bounds the teleport-history ring per session.
const teleportHistoryCap = 20

// Transport is the outbound half of a client connection. Enqueue must never
// block; it reports false when the frame was dropped.
type Transport interface {
	Enqueue(frame string) bool
	Close() error
}

// Request is a transient cross-session offer awaiting acceptance. It is
// removed by the background tick once TicksLeft passes below zero.
type Request struct {
	// Kind is one of "tpa", "tpahere", "carry".
	Kind      string
	TicksLeft int
}

// HistoryEntry is one teleport-history ring entry.
type HistoryEntry struct {
	MapID int
	X, Y  int
}

// WhoEntry is the occupant-presence payload carried by WHO frames.
type WhoEntry struct {
	Name        string  `json:"name"`
	Pic         []int   `json:"pic"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	ID          int64   `json:"id"`
	Username    *string `json:"username"`
	Passengers  []int64 `json:"passengers"`
	Vehicle     *int64  `json:"vehicle"`
	IsFollowing bool    `json:"is_following"`
}

type watchKey struct {
	cat   WatchCategory
	mapID int
}

// Session is the server-side state for one connected client. Sessions are
// mutated only by the command dispatch and the background tick, both of
// which hold the world mutex for their whole critical sequence; Session
// methods therefore take no locks of their own.
type Session struct {
	// ID is unique for the process lifetime.
	ID   int64
	Name string
	Pic  []int
	X, Y int

	// Map is nil and MapID is -1 until the session is placed.
	Map   Map
	MapID int

	// DBID is the account row id; 0 marks a guest.
	DBID     int64
	Username string
	PassHash string
	PassAlgo string

	IP string

	PingTimer int
	IdleTimer int

	// MapAllow and MapDeny cache the resolved grants for the current map.
	// The cache is advisory and recomputed on every map change. Deny bits
	// are informational; they are never subtracted from MapAllow.
	MapAllow     Permission
	MapDeny      Permission
	OperOverride bool

	Watch          map[string]struct{}
	Ignore         map[string]struct{}
	Tags           map[string]string
	Away           string
	Home           *Home
	ClientSettings string

	// Requests is keyed by the requesting session's identity; one live
	// request per requester.
	Requests  map[string]*Request
	TPHistory []HistoryEntry

	// Riding graph edges. A session has at most one vehicle; mounting
	// forces every own passenger off first, which keeps the graph acyclic.
	Vehicle     *Session
	Passengers  map[*Session]struct{}
	IsFollowing bool

	listening map[watchKey]struct{}

	world     *World
	transport Transport
	logger    *zap.Logger
}

func newSession(w *World, t Transport, ip string, logger *zap.Logger) *Session {
	id := w.nextSession.Add(1)
	return &Session{
		ID:         id,
		Name:       "Guest " + strconv.FormatInt(id, 10),
		Pic:        []int{0, 2, 25},
		MapID:      -1,
		IP:         ip,
		PingTimer:  w.tick.PingInitial,
		Watch:      make(map[string]struct{}),
		Ignore:     make(map[string]struct{}),
		Tags:       make(map[string]string),
		Requests:   make(map[string]*Request),
		Passengers: make(map[*Session]struct{}),
		listening:  make(map[watchKey]struct{}),
		world:      w,
		transport:  t,
		logger:     logger.With(zap.Int64("session_id", id)),
	}
}

// Guest reports whether the session has no durable identity.
func (s *Session) Guest() bool { return s.DBID == 0 }

// Placed reports whether the session is attached to a map.
func (s *Session) Placed() bool { return s.Map != nil }

// Send encodes and queues one frame for the client. Sends after transport
// detach are silently dropped; queue overflow is logged and dropped rather
// than blocking the caller.
func (s *Session) Send(code protocol.Code, payload any) {
	if s.transport == nil {
		return
	}
	frame, err := protocol.Encode(code, payload)
	if err != nil {
		s.logger.Error("encoding frame", zap.String("code", string(code)), zap.Error(err))
		return
	}
	if !s.transport.Enqueue(frame) {
		s.logger.Warn("outbound queue full, dropping frame", zap.String("code", string(code)))
	}
}

// SendMessage sends a MSG text frame.
func (s *Session) SendMessage(format string, args ...any) {
	s.Send(protocol.CodeMSG, protocol.Text{Text: fmt.Sprintf(format, args...)})
}

// SendError sends an ERR text frame.
func (s *Session) SendError(format string, args ...any) {
	s.Send(protocol.CodeERR, protocol.Text{Text: fmt.Sprintf(format, args...)})
}

// Disconnect optionally reports a reason, then closes the transport. The
// session itself is torn down by the connection handler's cleanup path.
func (s *Session) Disconnect(reason string) {
	if reason != "" {
		s.SendError("%s", reason)
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
}

// UsernameOrID returns the username, or the session id for guests.
func (s *Session) UsernameOrID() string {
	if s.Username != "" {
		return s.Username
	}
	return strconv.FormatInt(s.ID, 10)
}

// NameAndUsername returns "Name (username-or-id)" for chat notices.
func (s *Session) NameAndUsername() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.UsernameOrID())
}

// FailedToFind reports a player-lookup failure to the session.
func (s *Session) FailedToFind(username string) {
	if username == "" {
		s.SendError("No username given")
		return
	}
	s.SendError("Player %s not found", username)
}

// SetTag stores a free-form profile tag (description, species, ...).
func (s *Session) SetTag(name, value string) {
	s.Tags[name] = value
}

// GetTag returns a profile tag, or def when unset.
func (s *Session) GetTag(name, def string) string {
	if v, ok := s.Tags[name]; ok {
		return v
	}
	return def
}

// InBanList reports (and tells the session) whether the session is blocked
// by a map-level ban list. The "!guests" entry blocks all guests.
func (s *Session) InBanList(banlist map[string]struct{}, action string) bool {
	if s.Username == "" {
		if _, ok := banlist["!guests"]; ok {
			s.SendError("Guests may not %s", action)
			return true
		}
	}
	if _, ok := banlist[s.Username]; ok {
		s.SendError("You may not %s", action)
		return true
	}
	return false
}

// MustBeServerAdmin reports whether the session's username is in the
// configured admin list, sending an error when not (unless report is false).
func (s *Session) MustBeServerAdmin(report bool) bool {
	if s.Username != "" && s.world.isAdmin(s.Username) {
		return true
	}
	if report {
		s.SendError("You don't have permission to do that")
	}
	return false
}

// MustBeOwner reports whether the session owns the current map, holds the
// operator override, or (when adminOkay) holds the admin capability there.
// This is the only gate where ownership bypasses the permission cache.
func (s *Session) MustBeOwner(ctx context.Context, adminOkay, report bool) bool {
	if s.Map != nil {
		if (!s.Guest() && s.Map.OwnerID() == s.DBID) || s.OperOverride {
			return true
		}
		if adminOkay && s.Map.HasPermission(ctx, s, PermAdmin, false) {
			return true
		}
	}
	if report {
		s.SendError("You don't have permission to do that")
	}
	return false
}

// WhoEntry builds the presence payload describing this session.
func (s *Session) WhoEntry() WhoEntry {
	e := WhoEntry{
		Name:        s.Name,
		Pic:         s.Pic,
		X:           s.X,
		Y:           s.Y,
		ID:          s.ID,
		Passengers:  make([]int64, 0, len(s.Passengers)),
		IsFollowing: s.IsFollowing,
	}
	if s.Username != "" {
		u := s.Username
		e.Username = &u
	}
	for p := range s.Passengers {
		e.Passengers = append(e.Passengers, p.ID)
	}
	if s.Vehicle != nil {
		v := s.Vehicle.ID
		e.Vehicle = &v
	}
	return e
}

// MoveTo sets the session's position and recursively repositions passengers:
// a following passenger trails at the vehicle's previous position, a carried
// passenger lands on the vehicle's new position. Each passenger move is
// broadcast to the movement listeners of that passenger's map.
func (s *Session) MoveTo(x, y int) {
	oldX, oldY := s.X, s.Y
	s.X, s.Y = x, y
	for p := range s.Passengers {
		if p.IsFollowing {
			p.MoveTo(oldX, oldY)
		} else {
			p.MoveTo(x, y)
		}
		if p.Map != nil {
			p.Map.Broadcast(protocol.CodeMOV,
				map[string]any{"id": p.ID, "to": [2]int{p.X, p.Y}}, WatchMove)
		}
	}
}

// Ride mounts s on other. Self-targeting is a no-op, and a target that has
// not been placed on a map yet is refused. Any existing vehicle is released
// first, and all of s's own passengers are let out. Letting the passengers
// out removes every edge into s, so mounting can never close a cycle. The
// rider transitions onto the vehicle's map and position.
func (s *Session) Ride(ctx context.Context, other *Session) {
	if other == nil || s == other {
		return
	}
	if !other.Placed() {
		s.SendError("%s is not on a map", other.NameAndUsername())
		return
	}
	if s.Vehicle != nil {
		s.Dismount()
	}
	if len(s.Passengers) > 0 {
		s.SendMessage("You let out all your passengers first")
		for _, p := range s.passengerSnapshot() {
			p.Dismount()
		}
	}

	s.SendMessage("You get on %s (/hopoff to get off)", other.NameAndUsername())
	other.SendMessage("You carry %s", s.NameAndUsername())

	s.Vehicle = other
	other.Passengers[s] = struct{}{}

	if s.Map != nil {
		s.Map.Broadcast(protocol.CodeWHO, map[string]any{"add": s.WhoEntry()}, WatchMove)
	}
	if other.Map != nil {
		other.Map.Broadcast(protocol.CodeWHO, map[string]any{"add": other.WhoEntry()}, WatchMove)
	}

	pos := [2]int{other.X, other.Y}
	s.SwitchMap(ctx, other.MapID, SwitchOpts{NewPos: &pos})
}

// Dismount clears the riding edge symmetrically and rebroadcasts presence
// for both parties. Reports an error when not currently riding.
func (s *Session) Dismount() {
	if s.Vehicle == nil {
		s.SendError("You're not being carried")
		return
	}
	s.SendMessage("You get off %s", s.Vehicle.NameAndUsername())
	s.Vehicle.SendMessage("%s gets off of you", s.NameAndUsername())

	other := s.Vehicle
	delete(other.Passengers, s)
	s.Vehicle = nil

	if s.Map != nil {
		s.Map.Broadcast(protocol.CodeWHO, map[string]any{"add": s.WhoEntry()}, WatchMove)
	}
	if other.Map != nil {
		other.Map.Broadcast(protocol.CodeWHO, map[string]any{"add": other.WhoEntry()}, WatchMove)
	}
}

// AddRequest records (or refreshes) a pending offer from another session,
// keyed by the requester's identity. One live request per requester.
func (s *Session) AddRequest(from *Session, kind string) {
	s.Requests[from.UsernameOrID()] = &Request{Kind: kind, TicksLeft: s.world.tick.RequestTTL}
}

// TakeRequest consumes and returns the pending request from the named
// requester, if any.
func (s *Session) TakeRequest(from string) (*Request, bool) {
	req, ok := s.Requests[from]
	if ok {
		delete(s.Requests, from)
	}
	return req, ok
}

// Cleanup runs the mandatory teardown sequence: detach the transport, let
// out all passengers, get off any vehicle, and drop every bot-listener
// registration held by this session. Safe to call exactly once, before the
// session is removed from the registry.
func (s *Session) Cleanup() {
	s.transport = nil
	for _, p := range s.passengerSnapshot() {
		p.Dismount()
	}
	if s.Vehicle != nil {
		s.Dismount()
	}
	s.world.dropWatches(s)
}

// passengerSnapshot copies the passenger set so callers can dismount members
// while iterating.
func (s *Session) passengerSnapshot() []*Session {
	out := make([]*Session, 0, len(s.Passengers))
	for p := range s.Passengers {
		out = append(out, p)
	}
	return out
}
