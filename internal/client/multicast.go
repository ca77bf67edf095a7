package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

const datagramSize = 2048

// MulticastRelay is a member of one IPv4 multicast group. It displays what
// the group carries and never re-sends it; the network does the fan-out.
type MulticastRelay struct {
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	logger *zap.Logger
}

// JoinGroup binds the group port and joins group on ifi, or on the system
// default interface when ifi is nil. Several processes on one host may join
// the same group and port.
func JoinGroup(ctx context.Context, group netip.AddrPort, ifi *net.Interface, logger *zap.Logger) (*MulticastRelay, error) {
	if !group.Addr().Is4() || !group.Addr().IsMulticast() {
		return nil, fmt.Errorf("join %s: not an IPv4 multicast address", group)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(group.Port()))))
	if err != nil {
		return nil, fmt.Errorf("listen multicast port %d: %w", group.Port(), err)
	}

	addr := net.UDPAddrFromAddrPort(group)
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, addr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", group, err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.Warn("Could not enable multicast loopback", zap.Error(err))
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		logger.Warn("Could not set multicast TTL", zap.Error(err))
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			logger.Warn("Could not select multicast interface", zap.String("interface", ifi.Name), zap.Error(err))
		}
	}

	logger.Info("Joined multicast group", zap.Stringer("group", group))
	return &MulticastRelay{conn: conn, pc: pc, group: addr, logger: logger}, nil
}

// Send writes msg to the group.
func (m *MulticastRelay) Send(msg protocol.Message) error {
	if _, err := m.pc.WriteTo([]byte(protocol.Encode(msg)), nil, m.group); err != nil {
		return fmt.Errorf("send to group %s: %w", m.group, err)
	}
	return nil
}

// Serve displays every message the group delivers until ctx is cancelled.
func (m *MulticastRelay) Serve(ctx context.Context, display func(protocol.Message)) error {
	return serveDatagrams(ctx, m.conn, m.logger, display)
}

// Close leaves the group and releases the socket.
func (m *MulticastRelay) Close() error {
	if err := m.pc.LeaveGroup(nil, m.group); err != nil {
		m.logger.Debug("Leave group failed", zap.Error(err))
	}
	if err := m.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// serveDatagrams decodes and displays each datagram read from conn. Malformed
// datagrams are logged and skipped. It returns nil once ctx is cancelled or
// conn is closed.
func serveDatagrams(ctx context.Context, conn net.PacketConn, logger *zap.Logger, display func(protocol.Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, datagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("Receive failed", zap.Error(err))
			continue
		}

		msg, err := protocol.DecodeBytes(buf[:n])
		if err != nil {
			logger.Debug("Ignoring malformed datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		display(msg)
	}
}
