package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTakeMessagesFraming covers newline framing and the unframed fallback
// used by clients that never send a newline.
func TestTakeMessagesFraming(t *testing.T) {
	t.Run("complete lines", func(t *testing.T) {
		c := &Client{}
		c.inbuf = []byte("HELLO.alice.\nTCP.alice.hi\n")
		assert.Equal(t, []string{"HELLO.alice.", "TCP.alice.hi"}, c.takeMessages(true))
		assert.Empty(t, c.inbuf)
	})

	t.Run("line split across reads", func(t *testing.T) {
		c := &Client{}
		c.inbuf = []byte("TCP.alice.he")
		assert.Empty(t, c.takeMessages(false))

		c.inbuf = append(c.inbuf, []byte("llo\nTCP.al")...)
		assert.Equal(t, []string{"TCP.alice.hello"}, c.takeMessages(true))
		assert.Equal(t, "TCP.al", string(c.inbuf), "partial line is kept once framing is known")
	})

	t.Run("unframed read is one message", func(t *testing.T) {
		c := &Client{}
		c.inbuf = []byte("HELLO.alice.")
		assert.Empty(t, c.takeMessages(false), "nothing until the socket is drained")
		assert.Equal(t, []string{"HELLO.alice."}, c.takeMessages(true))
		assert.Empty(t, c.inbuf)
	})

	t.Run("carriage returns are left to the decoder", func(t *testing.T) {
		c := &Client{}
		c.inbuf = []byte("TCP.bob.hey\r\n")
		assert.Equal(t, []string{"TCP.bob.hey\r"}, c.takeMessages(true))
	})
}

func TestNewClientStartsConnecting(t *testing.T) {
	c := newClient(&fakeConn{}, -1, "127.0.0.1:1234", RateLimitConfig{Burst: 2, RefillInterval: time.Hour})

	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, "connecting", c.State().String())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "127.0.0.1:1234", c.Addr())
	assert.Empty(t, c.Name())

	assert.True(t, c.limiter.Allow())
	assert.True(t, c.limiter.Allow())
	assert.False(t, c.limiter.Allow(), "burst is exhausted")
}
