package gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/config"
)

// SessionHandler processes a single client connection. It owns the
// connection for its lifetime and must close it before returning.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Acceptor listens for TCP connections and hands each one to the session
// handler on its own goroutine. It implements server.Service.
type Acceptor struct {
	cfg     config.ServerConfig
	handler SessionHandler
	logger  *zap.Logger

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	mu sync.Mutex
}

// NewAcceptor creates an Acceptor bound to the configured address.
//
// Precondition: handler and logger must be non-nil.
func NewAcceptor(cfg config.ServerConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// Start begins accepting connections. It blocks until Stop is called.
//
// Postcondition: all connection goroutines have finished when Start returns.
func (a *Acceptor) Start() error {
	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.logger.Info("accepting connections", zap.String("addr", a.cfg.Addr()))

	for {
		rawConn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				a.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				a.wg.Wait()
				return nil
			}
			a.logger.Error("accepting connection", zap.Error(err))
			continue
		}

		a.wg.Add(1)
		go a.serve(rawConn)
	}
}

// Stop closes the listener and waits for in-flight connections to finish.
func (a *Acceptor) Stop() {
	close(a.quit)
	a.mu.Lock()
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Acceptor) serve(rawConn net.Conn) {
	defer a.wg.Done()

	connID := uuid.NewString()
	logger := a.logger.With(
		zap.String("conn_id", connID),
		zap.String("remote_addr", rawConn.RemoteAddr().String()),
	)
	logger.Info("client connected")

	conn := NewConn(rawConn, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
	defer func() { _ = conn.Close() }()

	if err := a.handler.HandleSession(context.Background(), conn); err != nil {
		logger.Warn("session ended with error", zap.Error(err))
	}
	logger.Info("client disconnected")
}
