//go:build linux

package poll

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedAddress is returned for socket addresses that are neither
// IPv4 nor IPv6.
var ErrUnsupportedAddress = errors.New("poll: unsupported socket address")

// Listen opens a non-blocking TCP listening socket bound to address
// (host:port, host may be empty). It returns the raw descriptor and the
// address actually bound.
func Listen(address string) (int, netip.AddrPort, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("resolve %q: %w", address, err)
	}

	family, sa := sockaddrFor(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("listen %s: %w", address, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	ap, err := addrPort(bound)
	if err != nil {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, err
	}
	return fd, ap, nil
}

func sockaddrFor(a *net.TCPAddr) (int, unix.Sockaddr) {
	if a.IP == nil || a.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

func addrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr).Unmap(), uint16(s.Port)), nil
	default:
		return netip.AddrPort{}, ErrUnsupportedAddress
	}
}

// Accept takes one pending connection from the listening descriptor. The
// returned descriptor is non-blocking. When nothing is pending the error
// satisfies IsWouldBlock.
func Accept(lfd int) (int, netip.AddrPort, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, netip.AddrPort{}, err
		}
		ap, err := addrPort(sa)
		if err != nil {
			_ = unix.Close(fd)
			return -1, netip.AddrPort{}, err
		}
		return fd, ap, nil
	}
}

// Read reads from a non-blocking descriptor. A zero count with a nil error
// means the peer closed its side.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Write writes as much of b as the socket buffer accepts.
func Write(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Write(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close closes a raw descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

// IsWouldBlock reports whether err means the operation would have blocked.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
