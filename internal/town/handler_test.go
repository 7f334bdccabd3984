package town

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/gate"
)

func newTestHandler(t *testing.T) (*ClientHandler, *World, *fakeStore) {
	t.Helper()
	w, store := newTestWorld(t)
	r := NewRouter(w, zap.NewNop())
	return NewClientHandler(w, r, zap.NewNop()), w, store
}

// runHandlerSession drives HandleSession over a pipe and returns the client
// end plus a channel carrying the handler's result.
func runHandlerSession(t *testing.T, h *ClientHandler) (net.Conn, chan error) {
	t.Helper()
	client, server := net.Pipe()
	conn := gate.NewConn(server, 0, 0)
	done := make(chan error, 1)
	go func() {
		done <- h.HandleSession(context.Background(), conn)
		_ = conn.Close()
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func TestHandlerFullSessionFlow(t *testing.T) {
	h, w, _ := newTestHandler(t)
	client, done := runHandlerSession(t, h)

	_, err := client.Write([]byte("IDN\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "MAI "), "identification answers with map info, got %q", line)

	_ = client.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client close")
	}

	w.mu.Lock()
	count := w.sessionCount()
	w.mu.Unlock()
	assert.Zero(t, count, "teardown removed the session")
}

func TestHandlerRejectsBannedClient(t *testing.T) {
	h, w, store := newTestHandler(t)
	// net.Pipe connections report "pipe" as their address.
	store.bans = append(store.bans, &Ban{IP: "pipe", Reason: "closed beta"})

	client, done := runHandlerSession(t, h)

	reader := bufio.NewReader(client)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ERR "))
	assert.Contains(t, line, "Banned from the server")

	select {
	case err := <-done:
		assert.NoError(t, err, "a ban rejection is not a handler error")
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	w.mu.Lock()
	count := w.sessionCount()
	w.mu.Unlock()
	assert.Zero(t, count)
}
