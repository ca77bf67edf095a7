// Package server defines shared error, state and reply values that are reused
// across the hub, the unicast relay and the WebSocket gateway.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrNameTaken is returned when a display name is already registered.
	ErrNameTaken = errors.New("name already registered")
	// ErrConnectionFault marks a read, write or accept failure on one
	// reliable connection.
	ErrConnectionFault = errors.New("connection fault")
	// ErrTransportFault marks a datagram send or receive failure.
	ErrTransportFault = errors.New("transport fault")
)

// Replies sent to the originating client on the reliable channel.
const (
	replyOK                = "ok"
	replyUserTaken         = "user taken"
	replyAlreadyRegistered = "already registered"
	replyNotRegistered     = "not registered"
	replyMalformed         = "malformed message"
	replyRateLimited       = "rate limited"
)

// Transport labels used in logs and metrics.
const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"
	transportUDP       = "udp"
)

// State is the lifecycle stage of a reliable connection.
type State int

const (
	// StateConnecting is a connection that has not completed HELLO.
	StateConnecting State = iota
	// StateRegistered is a connection that owns a display name.
	StateRegistered
	// StateClosed is a connection removed from the hub.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
