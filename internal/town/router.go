package town

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// Router turns raw wire lines into dispatched commands. One dispatch holds
// the world mutex end to end, so every observer sees a command's effects
// either fully applied or not at all.
type Router struct {
	world  *World
	logger *zap.Logger
}

// NewRouter builds a router over the world.
func NewRouter(w *World, logger *zap.Logger) *Router {
	return &Router{world: w, logger: logger}
}

// HandleLine processes one wire line from a session.
//
// Undersized frames are discarded without a response. Identification and
// keepalive are handled before the placement check; every other command from
// an unplaced session is ignored. Commands carrying a remote_map field are
// delivered to that map after the loaded and map_bot gates; everything else
// goes to the session's current map.
func (r *Router) HandleLine(ctx context.Context, s *Session, line string) {
	frame, err := protocol.Parse(line)
	if errors.Is(err, protocol.ErrFrameTooShort) {
		return
	}
	if err != nil {
		s.SendError("Bad frame: %v", err)
		return
	}

	r.world.mu.Lock()
	defer r.world.mu.Unlock()

	if !protocol.Known(frame.Code) {
		s.SendError("Invalid server command %s", frame.Code)
		return
	}

	switch frame.Code {
	case protocol.CodeIDN:
		r.identify(ctx, s, frame)
		return
	case protocol.CodePIN:
		s.PingTimer = r.world.tick.PingReset
		return
	}

	if !s.Placed() {
		return
	}

	if frame.Payload != nil {
		var rt protocol.RemoteTarget
		if err := frame.Decode(&rt); err == nil && rt.RemoteMap != nil {
			r.remote(ctx, s, *rt.RemoteMap, frame)
			return
		}
	}

	s.Map.ReceiveCommand(ctx, s, frame.Code, frame.Payload)
}

// identify runs the IDN sequence: attempt a login when credentials were
// supplied, fall back to guest placement on the default map, then send the
// MOTD and the user count. A store fault during login degrades to guest
// placement rather than dropping the connection.
func (r *Router) identify(ctx context.Context, s *Session, frame protocol.Frame) {
	loggedIn := false
	if frame.Payload != nil {
		var idn protocol.Identify
		if err := frame.Decode(&idn); err == nil && idn.Username != "" {
			result, err := s.Login(ctx, idn.Username, idn.Password)
			if err != nil {
				r.logger.Error("login", zap.Error(err))
				s.SendError("Login failed, server error")
			}
			loggedIn = err == nil && result == LoginOK
		}
	}
	if !loggedIn {
		s.SwitchMap(ctx, r.world.cfg.DefaultMap, SwitchOpts{})
	}
	if r.world.cfg.MOTD != "" {
		s.SendMessage("%s", r.world.cfg.MOTD)
	}
	s.SendMessage("Users connected: %d", r.world.sessionCount())
}

// remote delivers a frame to a map the sender is not standing on. The target
// must already be loaded, and the sender needs map_bot capability there.
func (r *Router) remote(ctx context.Context, s *Session, mapID int, frame protocol.Frame) {
	m, ok := r.world.loadedMap(mapID)
	if !ok {
		s.SendError("Map %d is not loaded", mapID)
		return
	}
	if !m.HasPermission(ctx, s, PermMapBot, false) {
		s.SendError("You don't have [tt]map_bot[/tt] permission on map %d", mapID)
		return
	}
	m.ReceiveCommand(ctx, s, frame.Code, frame.Payload)
}
