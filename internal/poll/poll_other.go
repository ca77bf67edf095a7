//go:build !linux

package poll

import (
	"errors"
	"net/netip"
)

// ErrUnsupported is returned on platforms without epoll.
var ErrUnsupported = errors.New("poll: readiness polling requires linux")

// Event reports readiness for one registered descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is unavailable on this platform.
type Poller struct{}

func New(int) (*Poller, error) { return nil, ErrUnsupported }
func (p *Poller) Add(int) error { return ErrUnsupported }
func (p *Poller) Watch(int, bool) error { return ErrUnsupported }
func (p *Poller) Remove(int) error { return ErrUnsupported }
func (p *Poller) Wait([]Event, int) ([]Event, bool, error) { return nil, false, ErrUnsupported }
func (p *Poller) Wake() error { return ErrUnsupported }
func (p *Poller) Close() error { return nil }
func Listen(string) (int, netip.AddrPort, error) { return -1, netip.AddrPort{}, ErrUnsupported }
func Accept(int) (int, netip.AddrPort, error) { return -1, netip.AddrPort{}, ErrUnsupported }
func Read(int, []byte) (int, error) { return 0, ErrUnsupported }
func Write(int, []byte) (int, error) { return 0, ErrUnsupported }
func Close(int) error { return ErrUnsupported }
func IsWouldBlock(error) bool { return false }
