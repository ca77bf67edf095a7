package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerSetAddIsIdempotent(t *testing.T) {
	s := NewPeerSet()
	p := netip.MustParseAddrPort("127.0.0.1:4000")

	assert.True(t, s.Add(p))
	assert.False(t, s.Add(p))
	assert.False(t, s.Add(netip.MustParseAddrPort("127.0.0.1:4000")))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(p))
}

func TestPeerSetNormalizesMappedAddresses(t *testing.T) {
	s := NewPeerSet()
	s.Add(netip.MustParseAddrPort("[::ffff:10.0.0.1]:5000"))

	assert.False(t, s.Add(netip.MustParseAddrPort("10.0.0.1:5000")))
	assert.True(t, s.Contains(netip.MustParseAddrPort("10.0.0.1:5000")))
	assert.Equal(t, 1, s.Len())
}

func TestPeerSetExcept(t *testing.T) {
	s := NewPeerSet()
	p1 := netip.MustParseAddrPort("127.0.0.1:4001")
	p2 := netip.MustParseAddrPort("127.0.0.1:4002")
	p3 := netip.MustParseAddrPort("127.0.0.1:4003")
	s.Add(p1)
	s.Add(p2)
	s.Add(p3)

	assert.Equal(t, []netip.AddrPort{p2, p3}, s.Except(p1))
	assert.Equal(t, []netip.AddrPort{p1, p3}, s.Except(p2))
	assert.Equal(t, []netip.AddrPort{p1, p2, p3}, s.Except(netip.MustParseAddrPort("127.0.0.1:9")))

	// Same host, different port is a different peer.
	assert.True(t, s.Add(netip.MustParseAddrPort("127.0.0.1:4004")))
}
