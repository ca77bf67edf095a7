package server

import "net/netip"

// PeerSet is the ordered set of unicast peers seen so far. Entries are
// compared by value and never evicted. Owned by the unicast loop.
type PeerSet struct {
	order []netip.AddrPort
	index map[netip.AddrPort]struct{}
}

// NewPeerSet returns an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{index: make(map[netip.AddrPort]struct{})}
}

func normalizePeer(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Add records addr and reports whether it was new.
func (s *PeerSet) Add(addr netip.AddrPort) bool {
	addr = normalizePeer(addr)
	if _, ok := s.index[addr]; ok {
		return false
	}
	s.index[addr] = struct{}{}
	s.order = append(s.order, addr)
	return true
}

// Contains reports whether addr has been recorded.
func (s *PeerSet) Contains(addr netip.AddrPort) bool {
	_, ok := s.index[normalizePeer(addr)]
	return ok
}

// Except returns a snapshot of every peer other than addr, in the order
// they were first seen.
func (s *PeerSet) Except(addr netip.AddrPort) []netip.AddrPort {
	addr = normalizePeer(addr)
	out := make([]netip.AddrPort, 0, len(s.order))
	for _, p := range s.order {
		if p != addr {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of distinct peers.
func (s *PeerSet) Len() int {
	return len(s.order)
}
