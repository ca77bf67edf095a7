package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeRoundTrip tests that every valid message survives Encode then
// Decode unchanged, including bodies that carry the delimiter.
func TestDecodeRoundTrip(t *testing.T) {
	kinds := []Kind{KindHello, KindAck, KindNack, KindTCP, KindUDP, KindMulticast}
	bodies := []string{"", "hi", "a.b.c", "joined to chat", "..", "trailing dot."}

	for _, k := range kinds {
		for _, body := range bodies {
			m := New(k, "alice", body)
			require.NoError(t, m.Validate())

			got, err := Decode(Encode(m))
			require.NoError(t, err, "decode %q", Encode(m))
			assert.Equal(t, m, got)
		}
	}
}

// TestDecodeWireExamples tests the exact lines exchanged by the reliable
// channel handshake and chat.
func TestDecodeWireExamples(t *testing.T) {
	tests := []struct {
		line string
		want Message
	}{
		{"HELLO.alice.", New(KindHello, "alice", "")},
		{"ACK.server.ok", Ack("ok")},
		{"NACK.server.user taken", Nack("user taken")},
		{"ACK.server.alice joined to chat", Ack("alice joined to chat")},
		{"TCP.alice.hi", New(KindTCP, "alice", "hi")},
		{"UDP.bob.see you at 10.30.", New(KindUDP, "bob", "see you at 10.30.")},
		{"MULTICAST.carol.x", New(KindMulticast, "carol", "x")},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Decode(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.line, Encode(got))
		})
	}
}

// TestDecodeTrimsPadding tests that trailing newlines, spaces and the zero
// bytes of an oversized datagram buffer are ignored.
func TestDecodeTrimsPadding(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf, "TCP.alice.hello there\r\n")

	got, err := DecodeBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, New(KindTCP, "alice", "hello there"), got)

	got, err = Decode("  HELLO.bob.   ")
	require.NoError(t, err)
	assert.Equal(t, New(KindHello, "bob", ""), got)
}

// TestDecodeWithoutBody tests that a line carrying only kind and sender
// decodes with an empty body.
func TestDecodeWithoutBody(t *testing.T) {
	tests := map[string]Message{
		"HELLO.alice":         New(KindHello, "alice", ""),
		"TCP.alice":           New(KindTCP, "alice", ""),
		"UDP.bob\x00\x00\x00": New(KindUDP, "bob", ""),
	}
	for line, want := range tests {
		got, err := Decode(line)
		require.NoError(t, err, "decode %q", line)
		assert.Equal(t, want, got)
	}
}

// TestDecodeRejectsMalformed tests that bad input yields ErrDecode instead
// of a fabricated message.
func TestDecodeRejectsMalformed(t *testing.T) {
	lines := []string{
		"",
		"garbage",
		"HELLO",
		"HELLO.",
		"hello.alice.",
		"PING.alice.x",
		"TCP..hi",
		"\x00\x00\x00",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			m, err := Decode(line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
			assert.Equal(t, Message{}, m)
		})
	}
}

// TestParseKind tests the wire token mapping in both directions.
func TestParseKind(t *testing.T) {
	for k, tok := range kindTokens {
		got, err := ParseKind(tok)
		require.NoError(t, err)
		assert.Equal(t, k, got)
		assert.Equal(t, tok, k.String())
	}

	_, err := ParseKind("Tcp")
	assert.ErrorIs(t, err, ErrDecode)
	assert.False(t, Kind(0).Valid())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

// TestMessageValidate tests the constraints that keep Encode reversible.
func TestMessageValidate(t *testing.T) {
	assert.NoError(t, New(KindTCP, "alice", "a.b").Validate())
	assert.ErrorIs(t, New(KindTCP, "", "x").Validate(), ErrDecode)
	assert.ErrorIs(t, New(KindTCP, "al.ice", "x").Validate(), ErrDecode)
	assert.ErrorIs(t, New(Kind(9), "alice", "x").Validate(), ErrDecode)
}

// TestDisplayAndEncodeLine tests the console rendering and stream framing.
func TestDisplayAndEncodeLine(t *testing.T) {
	m := New(KindUDP, "bob", "hey")
	assert.Equal(t, "[bob via UDP]: hey", m.Display())
	assert.Equal(t, []byte("UDP.bob.hey\n"), EncodeLine(m))
	assert.Equal(t, "UDP.bob.hey", m.String())
}
