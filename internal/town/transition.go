package town

import (
	"context"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// SwitchOpts adjusts map-transition placement.
type SwitchOpts struct {
	// NewPos, when set, places the session at that position instead of the
	// map's spawn point.
	NewPos *[2]int
	// StayPut suppresses relocation entirely; the session keeps its current
	// coordinates. Used when restoring a saved position at login.
	StayPut bool
	// SkipHistory suppresses the teleport-history push.
	SkipHistory bool
}

// SwitchMap moves the session to the given map, running the full transition
// sequence: history push, entry-permission check, departure broadcast,
// attachment, permission-cache refresh, map snapshot, arrival broadcasts,
// placement, and recursive passenger transitions.
//
// The entry-permission check runs before any occupancy mutation, so a denied
// transition leaves the session exactly where it was (only the history entry
// is recorded). Switching to the current map skips the detach/attach work and
// only repositions.
//
// Postcondition: Returns false only when entry was denied or the map could
// not be resolved; the session then remains attached to its previous map.
func (s *Session) SwitchMap(ctx context.Context, mapID int, opts SwitchOpts) bool {
	if !opts.SkipHistory && s.MapID >= 0 {
		if s.MapID != mapID {
			s.TPHistory = append(s.TPHistory, HistoryEntry{MapID: s.MapID, X: s.X, Y: s.Y})
		}
		if len(s.TPHistory) > teleportHistoryCap {
			s.TPHistory = s.TPHistory[1:]
		}
	}

	if s.Map == nil || s.Map.ID() != mapID {
		next, err := s.world.getMap(ctx, mapID)
		if err != nil {
			s.logger.Error("resolving map for transition", zap.Int("map_id", mapID), zap.Error(err))
			s.SendError("Map %d is not available", mapID)
			return false
		}
		if !next.HasPermission(ctx, s, PermEntry, true) {
			return false
		}

		if s.Map != nil {
			s.Map.RemoveOccupant(s)
			s.Map.Broadcast(protocol.CodeWHO, map[string]any{"remove": s.ID}, WatchEntry)
		}

		s.Map = next
		s.MapID = mapID
		s.UpdateMapPermissions(ctx)

		s.Send(protocol.CodeMAI, next.MapInfo())
		w, h := next.Size()
		s.Send(protocol.CodeMAP, next.MapSection(0, 0, w-1, h-1))

		next.AddOccupant(s)
		s.Send(protocol.CodeWHO, map[string]any{"list": next.Who(), "you": s.ID})
		next.Broadcast(protocol.CodeWHO, map[string]any{"add": s.WhoEntry()}, WatchEntry)

		if s.world.hasWatchers(WatchChat, mapID) {
			s.SendMessage("A bot has access to messages sent on this map ([command]listeners[/command] to view)")
		}
	}

	switch {
	case opts.NewPos != nil:
		s.MoveTo(opts.NewPos[0], opts.NewPos[1])
		s.Map.Broadcast(protocol.CodeMOV,
			map[string]any{"id": s.ID, "to": [2]int{s.X, s.Y}}, WatchMove)
	case !opts.StayPut:
		sx, sy := s.Map.StartPos()
		s.MoveTo(sx, sy)
		s.Map.Broadcast(protocol.CodeMOV,
			map[string]any{"id": s.ID, "to": [2]int{s.X, s.Y}}, WatchMove)
	}

	for _, p := range s.passengerSnapshot() {
		pos := [2]int{s.X, s.Y}
		p.SwitchMap(ctx, mapID, SwitchOpts{NewPos: &pos})
	}
	return true
}

// SendHome moves the session to its saved home, or to the default map when
// no home is set.
func (s *Session) SendHome(ctx context.Context) {
	if s.Home != nil {
		pos := [2]int{s.Home.X, s.Home.Y}
		s.SwitchMap(ctx, s.Home.MapID, SwitchOpts{NewPos: &pos})
		return
	}
	s.SwitchMap(ctx, s.world.cfg.DefaultMap, SwitchOpts{})
}

// UpdateMapPermissions recomputes the cached allow/deny grants for the
// current map. Guests hold no grants; store failures leave the cache empty
// and are logged rather than surfaced.
func (s *Session) UpdateMapPermissions(ctx context.Context) {
	s.MapAllow, s.MapDeny = 0, 0
	if s.Guest() || s.MapID < 0 {
		return
	}
	allow, deny, err := s.world.store.MapGrants(ctx, s.MapID, s.DBID)
	if err != nil {
		s.logger.Error("loading map grants", zap.Int("map_id", s.MapID), zap.Error(err))
		return
	}
	s.MapAllow, s.MapDeny = allow, deny

	group, err := s.world.store.GroupGrants(ctx, s.MapID, s.DBID)
	if err != nil {
		s.logger.Error("loading group grants", zap.Int("map_id", s.MapID), zap.Error(err))
		return
	}
	s.MapAllow |= group
}
