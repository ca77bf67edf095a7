//go:build linux

// Package poll is a thin readiness multiplexer over epoll. It owns the
// interest set of the relay loop and an eventfd used to wake a blocked Wait
// from other goroutines.
package poll

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	faultEvents = unix.EPOLLHUP | unix.EPOLLERR
)

// Event reports readiness for one registered descriptor. A descriptor that
// hung up or errored is reported readable so the next read surfaces it.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is not safe for concurrent use except for Wake.
type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// New creates an epoll instance able to report up to maxEvents descriptors
// per Wait.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	return p, nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d, fd %d): %w", op, fd, err)
	}
	return nil
}

// Add registers fd for read readiness.
func (p *Poller) Add(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, readEvents)
}

// Watch changes whether fd is also watched for write readiness.
func (p *Poller) Watch(fd int, writable bool) error {
	events := uint32(readEvents)
	if writable {
		events |= writeEvents
	}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Remove drops fd from the interest set. Removing an unknown descriptor is
// not an error.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready, Wake is called, or
// timeoutMs elapses (-1 blocks indefinitely). Ready events are appended to
// dst[:0]; woken reports whether a Wake was consumed.
func (p *Poller) Wait(dst []Event, timeoutMs int) (events []Event, woken bool, err error) {
	events = dst[:0]

	n, err := unix.EpollWait(p.epfd, p.raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return events, false, nil
		}
		return events, false, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.raw[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			woken = true
			continue
		}
		events = append(events, Event{
			Fd:       fd,
			Readable: ev.Events&(readEvents|faultEvents) != 0,
			Writable: ev.Events&writeEvents != 0,
		})
	}
	return events, woken, nil
}

// Wake interrupts a concurrent or the next Wait. Safe to call from any
// goroutine.
func (p *Poller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wake descriptor. Registered
// descriptors are not closed.
func (p *Poller) Close() error {
	return multierr.Append(unix.Close(p.wakefd), unix.Close(p.epfd))
}
