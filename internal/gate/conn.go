// Package gate provides the TCP listener and line-framed client connections
// for the town server.
package gate

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

// outboxSize bounds the per-connection outbound queue. A client that stops
// reading loses frames instead of stalling the server.
const outboxSize = 256

// Conn wraps a TCP connection with line framing and a buffered, non-blocking
// outbound queue. Reads happen on the session goroutine; writes are drained
// by a dedicated writer goroutine.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	out  chan string
	quit chan struct{}

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
}

// NewConn wraps raw and starts its writer goroutine.
//
// Precondition: raw must be non-nil.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	c := &Conn{
		raw:          raw,
		reader:       bufio.NewReader(raw),
		out:          make(chan string, outboxSize),
		quit:         make(chan struct{}),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// ReadFrame blocks for the next newline-terminated frame, with the trailing
// newline (and any carriage return) stripped.
func (c *Conn) ReadFrame() (string, error) {
	if c.readTimeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", err
		}
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Enqueue queues one frame for delivery. It never blocks; a full queue drops
// the frame and reports false.
func (c *Conn) Enqueue(frame string) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Close signals the writer to flush queued frames and close the underlying
// connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

// RemoteIP returns the peer address without the port.
func (c *Conn) RemoteIP() string {
	addr := c.raw.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// writeLoop owns the raw connection's write side and its final close, so a
// frame enqueued just before Close (a ban notice, a shutdown warning) still
// reaches the client.
func (c *Conn) writeLoop() {
	defer func() { _ = c.raw.Close() }()
	for {
		select {
		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
		case <-c.quit:
			for {
				select {
				case frame := <-c.out:
					if !c.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(frame string) bool {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := c.raw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return false
	}
	_, err := c.raw.Write([]byte(frame + "\n"))
	return err == nil
}
