// Package protocol defines the line-oriented wire format shared by every
// transport: a message is encoded as KIND.SENDER.BODY.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is returned (wrapped) for any line that is not a valid message.
var ErrDecode = errors.New("protocol: malformed message")

// Kind identifies the channel or control meaning of a message.
type Kind uint8

// Message kinds, in wire token order.
const (
	KindHello Kind = iota + 1
	KindAck
	KindNack
	KindTCP
	KindUDP
	KindMulticast
)

// ServerName is the sender used for every message the server originates.
const ServerName = "server"

const delimiter = "."

var kindTokens = map[Kind]string{
	KindHello:     "HELLO",
	KindAck:       "ACK",
	KindNack:      "NACK",
	KindTCP:       "TCP",
	KindUDP:       "UDP",
	KindMulticast: "MULTICAST",
}

var tokenKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTokens))
	for k, tok := range kindTokens {
		m[tok] = k
	}
	return m
}()

// String returns the wire token for k.
func (k Kind) String() string {
	if tok, ok := kindTokens[k]; ok {
		return tok
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the six defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindTokens[k]
	return ok
}

// ParseKind maps a wire token to its Kind. Tokens are case sensitive.
func ParseKind(token string) (Kind, error) {
	if k, ok := tokenKinds[token]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrDecode, token)
}

// Message is a single chat or control message. It is a value type and is
// never modified after construction.
type Message struct {
	Kind   Kind
	Sender string
	Body   string
}

// New returns a message with the given fields.
func New(kind Kind, sender, body string) Message {
	return Message{Kind: kind, Sender: sender, Body: body}
}

// Ack builds a server acknowledgement carrying body.
func Ack(body string) Message {
	return New(KindAck, ServerName, body)
}

// Nack builds a server rejection carrying the reason.
func Nack(reason string) Message {
	return New(KindNack, ServerName, reason)
}

// Validate reports whether m can be encoded and decoded back unchanged.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %d", ErrDecode, uint8(m.Kind))
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: empty sender", ErrDecode)
	}
	if strings.Contains(m.Sender, delimiter) {
		return fmt.Errorf("%w: sender %q contains %q", ErrDecode, m.Sender, delimiter)
	}
	return nil
}

// String returns the encoded form of m.
func (m Message) String() string {
	return Encode(m)
}

// Display renders m the way consoles show received messages.
func (m Message) Display() string {
	return fmt.Sprintf("[%s via %s]: %s", m.Sender, m.Kind, m.Body)
}
