// Package server coordinates the reliable relay through the Hub type: one
// goroutine multiplexes every TCP connection through a readiness poller,
// owns the client registry, and serializes HELLO handling and broadcast.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/poll"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdMessage
	cmdClose
)

// command carries WebSocket events into the hub loop. It is the only way
// code outside the loop reaches the registry.
type command struct {
	kind   commandKind
	client *Client
	line   string
}

// Hub is the reliable relay. After Listen, Run drives the event loop until
// Shutdown is called.
type Hub struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	poller *poll.Poller
	lfd    int
	addr   netip.AddrPort

	// Owned by the Run goroutine.
	conns    map[int]*Client
	clients  map[*Client]struct{}
	registry *Registry
	readBuf  []byte

	commands chan command
	mu       sync.RWMutex
	stopped  bool

	started atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a hub for cfg. Nil logger or metrics are replaced with
// no-op and private instances.
func NewHub(cfg Config, logger *zap.Logger, metrics *Metrics) *Hub {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		logger:   logger.Named("hub"),
		metrics:  metrics,
		lfd:      -1,
		conns:    make(map[int]*Client),
		clients:  make(map[*Client]struct{}),
		registry: NewRegistry(),
		readBuf:  make([]byte, cfg.MaxMessageSize),
		commands: make(chan command, 256),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Listen binds the reliable channel. Failure here is fatal for the process.
func (h *Hub) Listen() error {
	poller, err := poll.New(128)
	if err != nil {
		return err
	}

	lfd, addr, err := poll.Listen(h.cfg.TCPAddr())
	if err != nil {
		return multierr.Append(fmt.Errorf("listen tcp %s: %w", h.cfg.TCPAddr(), err), poller.Close())
	}
	if err := poller.Add(lfd); err != nil {
		return multierr.Combine(err, poll.Close(lfd), poller.Close())
	}

	h.poller, h.lfd, h.addr = poller, lfd, addr
	h.logger.Info("Reliable relay listening", zap.Stringer("addr", addr))
	return nil
}

// Addr returns the bound TCP address.
func (h *Hub) Addr() netip.AddrPort {
	return h.addr
}

// Run processes readiness events one at a time until Shutdown is called.
func (h *Hub) Run() error {
	if h.poller == nil {
		return errors.New("hub: Run called before Listen")
	}
	if !h.started.CompareAndSwap(false, true) {
		if h.ctx.Err() != nil {
			// Shutdown got here first and released everything.
			return nil
		}
		return errors.New("hub: already running")
	}
	defer close(h.done)
	defer h.stop()

	events := make([]poll.Event, 0, 128)
	for {
		if h.ctx.Err() != nil {
			return nil
		}

		ready, woken, err := h.poller.Wait(events, -1)
		if err != nil {
			h.logger.Error("Readiness wait failed", zap.Error(err))
			return err
		}
		if woken {
			h.drainCommands()
		}
		for _, ev := range ready {
			h.handleEvent(ev)
		}
	}
}

func (h *Hub) handleEvent(ev poll.Event) {
	if ev.Fd == h.lfd {
		h.accept()
		return
	}

	c, ok := h.conns[ev.Fd]
	if !ok {
		return
	}
	if ev.Writable {
		if sc, ok := c.conn.(*socketConn); ok {
			if err := sc.flush(); err != nil {
				h.closeClient(c, err)
				return
			}
		}
	}
	if ev.Readable {
		h.readOne(c)
	}
}

// accept takes exactly one pending connection; level-triggered readiness
// brings the loop back for the rest.
func (h *Hub) accept() {
	fd, remote, err := poll.Accept(h.lfd)
	if err != nil {
		if poll.IsWouldBlock(err) {
			return
		}
		h.metrics.Faults.WithLabelValues(transportTCP).Inc()
		h.logger.Warn("Accept failed", zap.Error(fmt.Errorf("%w: accept: %w", ErrConnectionFault, err)))
		return
	}

	if err := h.poller.Add(fd); err != nil {
		h.logger.Warn("Could not watch connection", zap.Stringer("addr", remote), zap.Error(err))
		_ = poll.Close(fd)
		return
	}

	sc := &socketConn{fd: fd, poller: h.poller, maxPending: h.cfg.MaxPendingBytes}
	c := newClient(sc, fd, remote.String(), h.cfg.RateLimit)
	h.conns[fd] = c
	h.clients[c] = struct{}{}
	h.metrics.Connections.WithLabelValues(transportTCP).Inc()
	h.logger.Info("Client connected",
		zap.String("conn", c.id),
		zap.String("addr", c.addr),
		zap.Int("total", len(h.clients)))
}

// readOne drains the socket and dispatches every complete message.
func (h *Hub) readOne(c *Client) {
	readLimit := 16 * h.cfg.MaxMessageSize
	drained, eof := false, false

	for len(c.inbuf) < readLimit {
		n, err := poll.Read(c.fd, h.readBuf)
		if n > 0 {
			c.inbuf = append(c.inbuf, h.readBuf[:n]...)
		}
		if err != nil {
			if poll.IsWouldBlock(err) {
				drained = true
				break
			}
			h.closeClient(c, fmt.Errorf("%w: read: %w", ErrConnectionFault, err))
			return
		}
		if n == 0 {
			drained, eof = true, true
			break
		}
	}

	for _, line := range c.takeMessages(drained) {
		h.handleLine(c, line)
		if c.state == StateClosed {
			return
		}
	}

	if eof {
		h.closeClient(c, nil)
		return
	}
	if len(c.inbuf) > h.cfg.MaxMessageSize {
		h.closeClient(c, fmt.Errorf("%w: unterminated line exceeds %d bytes", ErrConnectionFault, h.cfg.MaxMessageSize))
	}
}

// handleLine applies size and rate limits, decodes and dispatches one line.
func (h *Hub) handleLine(c *Client, line string) {
	transport := c.conn.transport()

	if len(line) > h.cfg.MaxMessageSize {
		h.closeClient(c, fmt.Errorf("%w: message exceeded maximum size of %d bytes", ErrConnectionFault, h.cfg.MaxMessageSize))
		return
	}
	if strings.Trim(line, " \t\r\x00") == "" {
		return
	}
	if !c.limiter.Allow() {
		h.metrics.RateLimited.Inc()
		h.logger.Warn("Rate limit exceeded; discarding message",
			zap.String("addr", c.addr),
			zap.Int("burst", h.cfg.RateLimit.Burst),
			zap.Duration("interval", h.cfg.RateLimit.RefillInterval))
		h.reply(c, protocol.Nack(replyRateLimited))
		return
	}

	msg, err := protocol.Decode(line)
	if err != nil {
		h.metrics.DecodeErrors.WithLabelValues(transport).Inc()
		h.logger.Warn("Invalid message", zap.String("addr", c.addr), zap.Error(err))
		h.reply(c, protocol.Nack(replyMalformed))
		return
	}

	h.metrics.Received.WithLabelValues(transport, msg.Kind.String()).Inc()
	h.logger.Info("Received message",
		zap.String("conn", c.id),
		zap.String("addr", c.addr),
		zap.String("message", msg.Display()))
	h.dispatch(c, msg)
}

func (h *Hub) dispatch(c *Client, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindHello:
		h.handleHello(c, msg)
	case protocol.KindTCP:
		h.handleChat(c, msg)
	default:
		h.logger.Info("Ignoring message kind on reliable channel",
			zap.String("addr", c.addr),
			zap.Stringer("kind", msg.Kind))
	}
}

func (h *Hub) handleHello(c *Client, msg protocol.Message) {
	if c.state == StateRegistered {
		h.reply(c, protocol.Nack(replyAlreadyRegistered))
		return
	}

	if err := h.registry.Register(msg.Sender, c); err != nil {
		h.metrics.Registrations.WithLabelValues("taken").Inc()
		h.logger.Info("Display name rejected", zap.String("addr", c.addr), zap.Error(err))
		h.reply(c, protocol.Nack(replyUserTaken))
		return
	}

	// The name is held while the ACK is written; a client that never saw
	// it was never announced and leaves silently.
	if err := c.conn.send(protocol.EncodeLine(protocol.Ack(replyOK))); err != nil {
		h.registry.Remove(msg.Sender)
		h.closeClient(c, err)
		return
	}

	c.name = msg.Sender
	c.state = StateRegistered
	h.metrics.Registrations.WithLabelValues("accepted").Inc()
	h.logger.Info("Client registered",
		zap.String("name", c.name),
		zap.String("addr", c.addr),
		zap.Int("registered", h.registry.Len()))
	h.broadcast(protocol.Ack(fmt.Sprintf("%s joined to chat", c.name)), c)
}

func (h *Hub) handleChat(c *Client, msg protocol.Message) {
	if c.state != StateRegistered {
		h.reply(c, protocol.Nack(replyNotRegistered))
		return
	}
	h.broadcast(msg, c)
}

// reply sends msg to c alone and reports whether c is still open.
func (h *Hub) reply(c *Client, msg protocol.Message) bool {
	if err := c.conn.send(protocol.EncodeLine(msg)); err != nil {
		h.closeClient(c, err)
		return false
	}
	return true
}

// broadcast encodes msg once and sends it to every registered connection
// except exclude, in registration order. Connections that fail are closed
// after the pass; the others still receive the message. It returns the
// number of successful deliveries.
func (h *Hub) broadcast(msg protocol.Message, exclude *Client) int {
	payload := protocol.EncodeLine(msg)

	type failure struct {
		client *Client
		err    error
	}
	var failed []failure
	delivered := 0

	for _, c := range h.registry.Snapshot() {
		if c == exclude {
			continue
		}
		if err := c.conn.send(payload); err != nil {
			failed = append(failed, failure{client: c, err: err})
			continue
		}
		delivered++
		h.metrics.Relayed.WithLabelValues(c.conn.transport()).Inc()
	}

	h.logger.Debug("Broadcast message",
		zap.String("message", msg.String()),
		zap.Int("delivered", delivered),
		zap.Int("failed", len(failed)))

	for _, f := range failed {
		h.closeClient(f.client, f.err)
	}
	return delivered
}

// closeClient moves c to CLOSED, deregisters it and tells the remaining
// registered clients it left. A nil cause is an orderly disconnect.
func (h *Hub) closeClient(c *Client, cause error) {
	if c.state == StateClosed {
		return
	}
	wasRegistered := c.state == StateRegistered

	if err := h.release(c); err != nil && !isExpectedCloseError(err) {
		h.logger.Debug("Error closing connection", zap.String("addr", c.addr), zap.Error(err))
	}

	if cause != nil {
		h.metrics.Faults.WithLabelValues(c.conn.transport()).Inc()
		h.logger.Warn("Connection fault",
			zap.String("conn", c.id),
			zap.String("addr", c.addr),
			zap.String("name", c.name),
			zap.Error(cause))
	}
	h.logger.Info("Client unregistered",
		zap.String("addr", c.addr),
		zap.String("name", c.name),
		zap.Int("total", len(h.clients)))

	if wasRegistered {
		h.broadcast(protocol.Ack(fmt.Sprintf("%s left chat", c.name)), nil)
	}
}

// release drops c from every hub structure and closes its transport.
func (h *Hub) release(c *Client) error {
	if c.state == StateRegistered {
		h.registry.Remove(c.name)
	}
	c.state = StateClosed
	delete(h.clients, c)
	if c.fd >= 0 {
		delete(h.conns, c.fd)
	}
	h.metrics.Connections.WithLabelValues(c.conn.transport()).Dec()
	return c.conn.close()
}

// submit hands a command to the loop and wakes it. It returns false once
// the hub is stopping.
func (h *Hub) submit(cmd command) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped || h.poller == nil {
		return false
	}

	select {
	case h.commands <- cmd:
	case <-h.ctx.Done():
		return false
	}
	if err := h.poller.Wake(); err != nil {
		h.logger.Warn("Could not wake hub", zap.Error(err))
	}
	return true
}

func (h *Hub) drainCommands() {
	for {
		select {
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		default:
			return
		}
	}
}

func (h *Hub) handleCommand(cmd command) {
	c := cmd.client
	switch cmd.kind {
	case cmdOpen:
		h.clients[c] = struct{}{}
		h.metrics.Connections.WithLabelValues(c.conn.transport()).Inc()
		h.logger.Info("Client connected",
			zap.String("conn", c.id),
			zap.String("addr", c.addr),
			zap.String("transport", c.conn.transport()),
			zap.Int("total", len(h.clients)))
	case cmdMessage:
		if c.state != StateClosed {
			h.handleLine(c, cmd.line)
		}
	case cmdClose:
		h.closeClient(c, nil)
	}
}

// stop runs when the loop exits: it refuses further commands, then closes
// every connection, the listener and the poller.
func (h *Hub) stop() {
	h.cancel()
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	// WebSocket clients still queued must be released too.
	for drained := false; !drained; {
		select {
		case cmd := <-h.commands:
			if cmd.kind == cmdOpen {
				h.clients[cmd.client] = struct{}{}
				h.metrics.Connections.WithLabelValues(cmd.client.conn.transport()).Inc()
			}
		default:
			drained = true
		}
	}

	h.logger.Info("Shutting down all client connections...")
	var err error
	count := 0
	for c := range h.clients {
		err = multierr.Append(err, h.release(c))
		count++
	}
	err = multierr.Combine(err, poll.Close(h.lfd), h.poller.Close())
	if err != nil && !isExpectedCloseError(err) {
		h.logger.Warn("Errors while closing hub", zap.Error(err))
	}
	h.logger.Info("Closed client connections", zap.Int("count", count))
}

// Shutdown stops the loop and waits for it and every WebSocket pump to
// finish, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	// Cancel before claiming the loop so a Run that loses the race sees it.
	h.cancel()
	if h.started.CompareAndSwap(false, true) {
		// The loop never ran; release what Listen opened.
		if h.poller != nil {
			h.stop()
		}
		close(h.done)
		return nil
	}

	h.mu.RLock()
	if !h.stopped && h.poller != nil {
		_ = h.poller.Wake()
	}
	h.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.logger.Warn("Hub shutdown timeout reached before the loop stopped")
		return context.DeadlineExceeded
	}

	pumps := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(pumps)
	}()

	select {
	case <-pumps:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-timer.C:
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
