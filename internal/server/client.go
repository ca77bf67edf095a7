// Package server manages individual reliable connections: framing of inbound
// bytes, buffered non-blocking output, rate limiting and lifecycle state.
package server

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relaychat/internal/poll"
)

// conn is the outbound side of a reliable connection. Only the hub loop
// calls it.
type conn interface {
	send(b []byte) error
	close() error
	transport() string
}

// Client is one reliable connection, raw TCP or WebSocket. All fields are
// owned by the hub loop.
type Client struct {
	id      string
	addr    string
	fd      int
	name    string
	state   State
	conn    conn
	limiter *rate.Limiter

	inbuf    []byte
	lineMode bool
}

func newClient(c conn, fd int, addr string, rl RateLimitConfig) *Client {
	return &Client{
		id:      uuid.NewString(),
		addr:    addr,
		fd:      fd,
		state:   StateConnecting,
		conn:    c,
		limiter: newRateLimiter(rl.Burst, rl.RefillInterval),
	}
}

// ID returns the connection id used in logs.
func (c *Client) ID() string { return c.id }

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// Name returns the registered display name, empty before HELLO succeeds.
func (c *Client) Name() string { return c.name }

// State returns the lifecycle stage.
func (c *Client) State() State { return c.state }

// takeMessages extracts complete messages from the inbound buffer. Lines
// ending in '\n' are always complete. A connection that has never sent a
// newline is treated as unframed: after a full drain of the socket whatever
// was read forms one message.
func (c *Client) takeMessages(drained bool) []string {
	var out []string
	for {
		i := bytes.IndexByte(c.inbuf, '\n')
		if i < 0 {
			break
		}
		c.lineMode = true
		out = append(out, string(c.inbuf[:i]))
		c.inbuf = c.inbuf[i+1:]
	}

	if drained && !c.lineMode && len(c.inbuf) > 0 {
		out = append(out, string(c.inbuf))
		c.inbuf = c.inbuf[:0]
	}
	if len(c.inbuf) == 0 {
		c.inbuf = nil
	}
	return out
}

// socketConn writes to a raw non-blocking descriptor. Bytes the kernel does
// not accept are kept and flushed when the poller reports the descriptor
// writable.
type socketConn struct {
	fd         int
	poller     *poll.Poller
	pending    []byte
	maxPending int
}

func (s *socketConn) transport() string { return transportTCP }

func (s *socketConn) send(b []byte) error {
	if len(s.pending) > 0 {
		if len(s.pending)+len(b) > s.maxPending {
			return fmt.Errorf("%w: %d bytes pending", ErrConnectionFault, len(s.pending)+len(b))
		}
		s.pending = append(s.pending, b...)
		return nil
	}

	n, err := poll.Write(s.fd, b)
	if err != nil && !poll.IsWouldBlock(err) {
		return fmt.Errorf("%w: write: %w", ErrConnectionFault, err)
	}
	if n == len(b) {
		return nil
	}
	if len(b)-n > s.maxPending {
		return fmt.Errorf("%w: %d bytes pending", ErrConnectionFault, len(b)-n)
	}

	s.pending = append(s.pending[:0], b[n:]...)
	if err := s.poller.Watch(s.fd, true); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFault, err)
	}
	return nil
}

// flush writes pending output after a write readiness event.
func (s *socketConn) flush() error {
	for len(s.pending) > 0 {
		n, err := poll.Write(s.fd, s.pending)
		if err != nil {
			if poll.IsWouldBlock(err) {
				return nil
			}
			return fmt.Errorf("%w: write: %w", ErrConnectionFault, err)
		}
		s.pending = s.pending[n:]
	}
	s.pending = nil
	if err := s.poller.Watch(s.fd, false); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFault, err)
	}
	return nil
}

func (s *socketConn) close() error {
	return multierr.Append(s.poller.Remove(s.fd), poll.Close(s.fd))
}
