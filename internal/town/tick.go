package town

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/config"
	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// Ping-countdown marks at which a warning PIN frame is sent to the client.
const (
	pingWarnHigh = 60
	pingWarnLow  = 30
)

// Ticker drives the periodic maintenance pass: request expiry, idle and ping
// accounting, unloading of empty maps, and the shutdown countdown. It
// implements server.Service.
type Ticker struct {
	world  *World
	cfg    config.TickConfig
	logger *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// NewTicker builds the maintenance ticker.
func NewTicker(w *World, cfg config.TickConfig, logger *zap.Logger) *Ticker {
	return &Ticker{
		world:  w,
		cfg:    cfg,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Start runs maintenance passes until Stop is called or a shutdown countdown
// completes. Completing the countdown returns nil, which the lifecycle
// treats as a finished service and tears the process down.
func (t *Ticker) Start() error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return nil
		case <-ticker.C:
			if !t.RunOnce(context.Background()) {
				t.logger.Info("shutdown countdown complete")
				return nil
			}
		}
	}
}

// Stop ends the tick loop.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.quit) })
}

// RunOnce performs a single maintenance pass under the world mutex.
// Exported so the pass is drivable directly; the loop in Start is only a
// clock. Returns false when a shutdown countdown has reached zero.
func (t *Ticker) RunOnce(ctx context.Context) bool {
	w := t.world
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range w.sessionSnapshot() {
		t.tickSession(s)
	}

	t.unloadEmptyMaps(ctx)

	if w.shutdownTicks > 0 {
		w.shutdownTicks--
		switch w.shutdownTicks {
		case 1:
			w.broadcastAll("Server is going down!")
			for _, s := range w.sessionSnapshot() {
				s.Disconnect("")
			}
			for id, m := range w.maps {
				if err := m.Save(ctx); err != nil {
					t.logger.Error("saving map at shutdown", zap.Int("map_id", id), zap.Error(err))
				}
			}
		case 0:
			return false
		}
	}
	return true
}

// tickSession ages one session's request table and keepalive counters. The
// warning marks give the client two chances to answer before the connection
// is dropped.
func (t *Ticker) tickSession(s *Session) {
	for key, req := range s.Requests {
		req.TicksLeft--
		if req.TicksLeft < 0 {
			delete(s.Requests, key)
		}
	}

	s.IdleTimer++

	s.PingTimer--
	switch {
	case s.PingTimer == pingWarnHigh || s.PingTimer == pingWarnLow:
		s.Send(protocol.CodePIN, nil)
	case s.PingTimer < 0:
		t.logger.Info("ping timeout",
			zap.Int64("session_id", s.ID),
			zap.String("username", s.Username),
		)
		s.Disconnect("")
	}
}

// unloadEmptyMaps saves and releases resident maps with no occupants, except
// those pinned by configuration.
func (t *Ticker) unloadEmptyMaps(ctx context.Context) {
	w := t.world
	for id, m := range w.maps {
		if _, pinned := w.alwaysLoaded[id]; pinned {
			continue
		}
		if m.OccupantCount() > 0 {
			continue
		}
		if err := m.Save(ctx); err != nil {
			t.logger.Error("saving map before unload", zap.Int("map_id", id), zap.Error(err))
		}
		m.Unload()
		delete(w.maps, id)
		t.logger.Info("unloaded map", zap.Int("map_id", id))
	}
}
