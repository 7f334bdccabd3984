package gate

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := NewConn(server, 0, 0)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = client.Close()
	})
	return conn, client
}

func TestReadFrameStripsLineEndings(t *testing.T) {
	conn, client := pipeConn(t)

	go func() {
		_, _ = client.Write([]byte("MSG {\"text\":\"hi\"}\r\n"))
		_, _ = client.Write([]byte("PIN\n"))
	}()

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `MSG {"text":"hi"}`, frame)

	frame, err = conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "PIN", frame)
}

func TestReadFrameAfterPeerClose(t *testing.T) {
	conn, client := pipeConn(t)
	_ = client.Close()

	_, err := conn.ReadFrame()
	assert.Error(t, err)
}

func TestEnqueueDeliversFrames(t *testing.T) {
	conn, client := pipeConn(t)

	require.True(t, conn.Enqueue("MAI {}"))
	require.True(t, conn.Enqueue("PIN"))

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "MAI {}\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PIN\n", line)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	// A pipe with no reader backs the queue up to capacity.
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server, 0, 0)
	defer conn.Close()

	done := make(chan bool, 1)
	go func() {
		dropped := false
		for i := 0; i < outboxSize*2; i++ {
			if !conn.Enqueue("PIN") {
				dropped = true
			}
		}
		done <- dropped
	}()

	select {
	case dropped := <-done:
		assert.True(t, dropped, "overflowing the queue drops instead of blocking")
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked")
	}
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server, 0, 0)

	require.True(t, conn.Enqueue(`ERR {"text":"banned"}`))
	require.NoError(t, conn.Close())

	reader := bufio.NewReader(client)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR {\"text\":\"banned\"}\n", line)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := pipeConn(t)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestRemoteIPStripsPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		if c != nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	raw, err := ln.Accept()
	require.NoError(t, err)
	conn := NewConn(raw, 0, 0)
	defer conn.Close()

	assert.Equal(t, "127.0.0.1", conn.RemoteIP())
}
