package town

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/gate"
)

// ClientHandler adapts the world and router to the gate's per-connection
// contract: admit, pump frames, and always tear down through the cleanup
// sequence.
type ClientHandler struct {
	world  *World
	router *Router
	logger *zap.Logger
}

// NewClientHandler builds the per-connection handler.
func NewClientHandler(w *World, r *Router, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{world: w, router: r, logger: logger}
}

// HandleSession implements gate.SessionHandler. A banned address is rejected
// before a session exists. Once admitted, the session is torn down through
// Teardown no matter how the frame loop ends, including panics in command
// handling.
func (h *ClientHandler) HandleSession(ctx context.Context, conn *gate.Conn) error {
	s, err := h.world.Connect(ctx, conn, conn.RemoteIP())
	if err != nil {
		if errors.Is(err, ErrBanned) {
			h.logger.Info("rejected banned address", zap.String("ip", conn.RemoteIP()))
			return nil
		}
		return err
	}
	defer h.world.Teardown(ctx, s)

	for {
		line, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.logger.Info("read timeout", zap.Int64("session_id", s.ID))
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if dispatchErr := h.dispatch(ctx, s, line); dispatchErr != nil {
			return dispatchErr
		}
	}
}

// dispatch runs one frame through the router, converting a handler panic
// into an error so the connection is torn down through the normal path.
func (h *ClientHandler) dispatch(ctx context.Context, s *Session, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic handling frame",
				zap.Int64("session_id", s.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("panic handling frame: %v", r)
		}
	}()
	h.router.HandleLine(ctx, s, line)
	return nil
}
