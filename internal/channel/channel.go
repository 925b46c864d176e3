// Package channel provides the point-to-point IPC connection between the
// host and one engine process. Each channel owns a unix-domain socket bound
// to a per-slot address; the engine process dials in after it is spawned.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/protocol"
)

// DefaultReceiveTimeout is the heartbeat interval for Receive. It bounds how
// long the receive loop waits before re-polling process liveness, not how
// long the engine may take to respond.
const DefaultReceiveTimeout = 500 * time.Millisecond

// connectWait bounds how long Send waits for the peer process to dial in.
const connectWait = 5 * time.Second

// ErrTimeout is returned by Receive when no message arrived within the
// timeout. It is distinct from transport failure.
var ErrTimeout = errors.New("channel: receive timed out")

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("channel: closed")

// Addr derives the slot's channel address from the pool's connection root.
func Addr(root string, slot int) string {
	return fmt.Sprintf("%s-%d", root, slot)
}

// Root returns a per-pool connection root. It prefers a private temp
// directory; where one cannot be created it falls back to a globally-unique
// token in the working directory.
func Root() string {
	dir, err := os.MkdirTemp("", "tally-conn-")
	if err != nil {
		return filepath.Join(".", uuid.NewString())
	}
	return filepath.Join(dir, "conn")
}

// Channel is one bidirectional connection bound to a unique address.
// Receive is called from the engine's receive loop only; Send may be called
// from the pool's run loop concurrently with Receive.
type Channel struct {
	addr string

	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	ready  chan struct{} // closed once the peer connection is accepted
	done   chan struct{} // closed by Close
	closed bool
}

// New creates a channel for the given address. Bind must be called before
// the peer process is spawned.
func New(addr string) *Channel {
	return &Channel{
		addr:  addr,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Addr returns the bound address.
func (c *Channel) Addr() string { return c.addr }

// Bind listens on the channel address. One-time; the peer connects after
// its process starts.
func (c *Channel) Bind() error {
	ln, err := net.Listen("unix", c.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", c.addr, err)
	}
	c.ln = ln
	return nil
}

// accept waits up to the deadline for the peer to connect. It is driven by
// Receive so that the receive loop's liveness heartbeat also covers the
// window before the engine process has dialed in.
func (c *Channel) accept(deadline time.Time) error {
	ul, ok := c.ln.(*net.UnixListener)
	if !ok {
		return fmt.Errorf("accept %s: not a unix listener", c.addr)
	}
	if err := ul.SetDeadline(deadline); err != nil {
		return fmt.Errorf("accept deadline: %w", err)
	}

	conn, err := ul.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("accept %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.mu.Unlock()
	close(c.ready)
	return nil
}

// Send transmits one envelope. It blocks until the peer connection is
// established, bounded by connectWait so a peer that never dials in cannot
// wedge the caller; there is no acknowledgement at this layer.
func (c *Channel) Send(env *protocol.Envelope) error {
	t := time.NewTimer(connectWait)
	defer t.Stop()
	select {
	case <-c.ready:
	case <-c.done:
		return ErrClosed
	case <-t.C:
		return fmt.Errorf("send %s: peer not connected", c.addr)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if err := protocol.WriteEnvelope(conn, env); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Receive blocks up to timeout for the next envelope. A timeout returns
// ErrTimeout so the caller can poll process liveness; any other failure is
// fatal to the channel, except a *protocol.DecodeError which is fatal to
// that message only.
func (c *Channel) Receive(timeout time.Duration) (*protocol.Envelope, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	conn, reader := c.conn, c.reader
	c.mu.Unlock()

	if conn == nil {
		if err := c.accept(deadline); err != nil {
			return nil, err
		}
		c.mu.Lock()
		conn, reader = c.conn, c.reader
		c.mu.Unlock()
	}

	// Apply the timeout to the first byte only. Once a frame has begun to
	// arrive it is read to completion without a deadline, so a heartbeat
	// timeout can never split a frame.
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	if _, err := reader.Peek(1); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}

	env, err := protocol.ReadEnvelope(reader)
	if err != nil {
		var derr *protocol.DecodeError
		if errors.As(err, &derr) {
			return nil, derr
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	return env, nil
}

// Close releases the address and connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	if c.ln != nil {
		c.ln.Close()
	}
	return nil
}

// Dial connects to a bound channel address from the engine side and returns
// the raw connection. Used by the worker runtime.
func Dial(addr string) (net.Conn, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
