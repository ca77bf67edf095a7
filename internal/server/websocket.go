// Package server bridges WebSocket clients into the reliable relay. Each
// connection gets read and write pumps; the read pump posts frames to the hub
// loop and the write pump drains what the hub queued.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsSendBuffer   = 256
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsConn queues outbound lines for the write pump. A full queue is a
// connection fault so a stalled browser never blocks the hub.
type wsConn struct {
	out       chan []byte
	closeOnce sync.Once
}

func newWSConn() *wsConn {
	return &wsConn{out: make(chan []byte, wsSendBuffer)}
}

func (w *wsConn) transport() string { return transportWebSocket }

func (w *wsConn) send(b []byte) error {
	select {
	case w.out <- b:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrConnectionFault)
	}
}

func (w *wsConn) close() error {
	w.closeOnce.Do(func() { close(w.out) })
	return nil
}

// wsPeer runs the pumps of one WebSocket client.
type wsPeer struct {
	hub    *Hub
	client *Client
	ws     *websocket.Conn
	out    <-chan []byte
	logger *zap.Logger
}

// attach registers a WebSocket connection with the hub and starts its
// pumps. It returns false if the hub is no longer accepting clients.
func (h *Hub) attach(ws *websocket.Conn, addr string) bool {
	wc := newWSConn()
	c := newClient(wc, -1, addr, h.cfg.RateLimit)
	ws.SetReadLimit(int64(h.cfg.MaxMessageSize))

	// The pumps are counted before the hub can stop so Shutdown waits for them.
	h.mu.RLock()
	if h.stopped {
		h.mu.RUnlock()
		return false
	}
	h.wg.Add(2)
	h.mu.RUnlock()

	if !h.submit(command{kind: cmdOpen, client: c}) {
		h.wg.Add(-2)
		return false
	}

	p := &wsPeer{hub: h, client: c, ws: ws, out: wc.out, logger: h.logger.Named("websocket")}
	go func() {
		defer h.wg.Done()
		p.writePump()
	}()
	go func() {
		defer h.wg.Done()
		p.readPump()
	}()
	return true
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (p *wsPeer) setupReadConnection() {
	if err := p.ws.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		p.logger.Warn("Error setting initial read deadline", zap.String("addr", p.client.addr), zap.Error(err))
	}
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}

// logReadError records why the read loop ended.
func (p *wsPeer) logReadError(err error) {
	addr := zap.String("addr", p.client.addr)
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		p.logger.Warn("Message exceeded maximum size", addr, zap.Int("limit", p.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		p.logger.Info("Client disconnected", addr, zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		p.logger.Info("Client connection closed", addr, zap.Error(err))
	default:
		p.logger.Warn("WebSocket read error", addr, zap.Error(err))
	}
}

func (p *wsPeer) readPump() {
	defer func() {
		p.hub.submit(command{kind: cmdClose, client: p.client})
		if err := p.ws.Close(); err != nil && !isExpectedCloseError(err) {
			p.logger.Debug("Error closing connection in readPump", zap.Error(err))
		}
	}()

	p.setupReadConnection()

	for {
		_, frame, err := p.ws.ReadMessage()
		if err != nil {
			p.logReadError(err)
			return
		}
		if !p.hub.submit(command{kind: cmdMessage, client: p.client, line: string(frame)}) {
			return
		}
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		if err := p.ws.Close(); err != nil && !isExpectedCloseError(err) {
			p.logger.Debug("Error closing connection in writePump", zap.Error(err))
		}
	}()

	for {
		select {
		case line, ok := <-p.out:
			if !p.writeLine(line, ok) {
				return
			}
		case <-ticker.C:
			if !p.writePing() {
				return
			}
		}
	}
}

// writeLine writes one queued line as a text frame, or a close frame once
// the hub has closed the queue. It returns false when the pump should stop.
func (p *wsPeer) writeLine(line []byte, ok bool) bool {
	if err := p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		p.logger.Warn("Error setting write deadline", zap.String("addr", p.client.addr), zap.Error(err))
		return false
	}

	if !ok {
		if err := p.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			p.logger.Debug("Error writing close message", zap.String("addr", p.client.addr), zap.Error(err))
		}
		return false
	}

	if err := p.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(line, []byte{'\n'})); err != nil {
		p.logger.Warn("Error writing message", zap.String("addr", p.client.addr), zap.Error(err))
		return false
	}
	return true
}

func (p *wsPeer) writePing() bool {
	if err := p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return false
	}
	if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		p.logger.Warn("Error writing ping message", zap.String("addr", p.client.addr), zap.Error(err))
		return false
	}
	return true
}
