package town

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func newTestTicker(t *testing.T) (*Ticker, *World, *fakeStore) {
	t.Helper()
	w, store := newTestWorld(t)
	return NewTicker(w, testTickConfig(), zap.NewNop()), w, store
}

func TestTickPingWarningsAndTimeout(t *testing.T) {
	ticker, w, _ := newTestTicker(t)
	s, tr := connectSession(t, w)
	ctx := context.Background()

	// Run the countdown from its initial value down past zero.
	for i := 0; i < 181; i++ {
		require.True(t, ticker.RunOnce(ctx))
	}

	assert.Equal(t, 2, tr.countCode("PIN"), "warning pings at the two marks")
	assert.True(t, tr.closed, "a silent client is disconnected")
	assert.Equal(t, 181, s.IdleTimer)
}

func TestTickPinKeepsConnectionAlive(t *testing.T) {
	ticker, w, _ := newTestTicker(t)
	s, tr := connectSession(t, w)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.True(t, ticker.RunOnce(ctx))
	}
	// Client answers: countdown restored.
	s.PingTimer = 300
	for i := 0; i < 150; i++ {
		require.True(t, ticker.RunOnce(ctx))
	}
	assert.False(t, tr.closed)
}

func TestTickExpiresRequests(t *testing.T) {
	ticker, w, _ := newTestTicker(t)
	a, _ := placeSession(t, w)
	b, _ := placeSession(t, w)
	ctx := context.Background()

	b.AddRequest(a, "tpa")
	b.Requests[a.UsernameOrID()].TicksLeft = 2

	require.True(t, ticker.RunOnce(ctx))
	require.True(t, ticker.RunOnce(ctx))
	assert.Len(t, b.Requests, 1, "request survives until the countdown passes below zero")
	require.True(t, ticker.RunOnce(ctx))
	assert.Empty(t, b.Requests)
}

func TestTickUnloadsEmptyMaps(t *testing.T) {
	ticker, w, store := newTestTicker(t)
	store.maps[7] = &MapRecord{ID: 7, Width: 10, Height: 10, DefaultAllow: PermEntry}
	s, _ := connectSession(t, w)
	ctx := context.Background()
	require.True(t, s.SwitchMap(ctx, 7, SwitchOpts{}))
	require.True(t, s.SwitchMap(ctx, 0, SwitchOpts{}))

	_, loaded := w.loadedMap(7)
	require.True(t, loaded)
	saves := store.savedMaps

	require.True(t, ticker.RunOnce(ctx))

	_, loaded = w.loadedMap(7)
	assert.False(t, loaded, "an empty map is unloaded")
	assert.Greater(t, store.savedMaps, saves, "the map is saved before unloading")
}

func TestTickKeepsOccupiedAndPinnedMaps(t *testing.T) {
	ticker, w, store := newTestTicker(t)
	store.maps[7] = &MapRecord{ID: 7, Width: 10, Height: 10, DefaultAllow: PermEntry}
	s, _ := connectSession(t, w)
	ctx := context.Background()
	require.True(t, s.SwitchMap(ctx, 7, SwitchOpts{}))

	require.True(t, ticker.RunOnce(ctx))

	_, loaded := w.loadedMap(7)
	assert.True(t, loaded, "an occupied map stays resident")
	// Map 0 is pinned via always_loaded_maps even with nobody on it.
	require.True(t, s.SwitchMap(ctx, 0, SwitchOpts{}))
	require.True(t, s.SwitchMap(ctx, 7, SwitchOpts{}))
	require.True(t, ticker.RunOnce(ctx))
	_, loaded = w.loadedMap(0)
	assert.True(t, loaded, "pinned maps are never unloaded")
}

func TestTickShutdownSequence(t *testing.T) {
	ticker, w, store := newTestTicker(t)
	_, tr := placeSession(t, w)
	ctx := context.Background()

	w.requestShutdown(3)

	require.True(t, ticker.RunOnce(ctx), "countdown 3 -> 2")
	assert.False(t, tr.closed)

	saves := store.savedMaps
	require.True(t, ticker.RunOnce(ctx), "countdown 2 -> 1 broadcasts and disconnects")
	msg, ok := tr.lastWithCode("MSG")
	require.True(t, ok)
	assert.Contains(t, msg, "going down")
	assert.True(t, tr.closed)
	assert.Greater(t, store.savedMaps, saves, "all maps are saved at the final warning")

	assert.False(t, ticker.RunOnce(ctx), "countdown reaching zero stops the loop")
}

func TestTickShutdownCancelled(t *testing.T) {
	ticker, w, _ := newTestTicker(t)
	ctx := context.Background()

	w.requestShutdown(5)
	require.True(t, ticker.RunOnce(ctx))
	w.cancelShutdown()

	for i := 0; i < 10; i++ {
		assert.True(t, ticker.RunOnce(ctx))
	}
}

func TestTickerStartStop(t *testing.T) {
	ticker, _, _ := newTestTicker(t)

	done := make(chan error, 1)
	go func() { done <- ticker.Start() }()
	ticker.Stop()

	err := <-done
	assert.NoError(t, err)
}
