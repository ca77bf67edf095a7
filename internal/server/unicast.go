package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// packetReader and packetWriter are the two sides of the unicast socket.
type packetReader interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
}

type packetWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Back-off bounds after a failed receive on a live socket.
const (
	minReceiveDelay = 5 * time.Millisecond
	maxReceiveDelay = time.Second
)

// UnicastRelay is the datagram channel: every packet it decodes is sent on
// to every other peer it has heard from. It shares nothing with the Hub.
type UnicastRelay struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	conn  *net.UDPConn
	in    packetReader
	out   packetWriter
	peers *PeerSet
}

// NewUnicastRelay creates a relay for cfg. Nil logger or metrics are
// replaced with no-op and private instances.
func NewUnicastRelay(cfg Config, logger *zap.Logger, metrics *Metrics) *UnicastRelay {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &UnicastRelay{
		cfg:     cfg,
		logger:  logger.Named("unicast"),
		metrics: metrics,
		peers:   NewPeerSet(),
	}
}

// Listen binds the datagram socket. Failure here is fatal for the process.
func (u *UnicastRelay) Listen() error {
	laddr, err := net.ResolveUDPAddr("udp", u.cfg.UDPAddr())
	if err != nil {
		return fmt.Errorf("resolve udp %s: %w", u.cfg.UDPAddr(), err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", u.cfg.UDPAddr(), err)
	}
	u.conn = conn
	u.in = conn
	u.out = conn
	u.logger.Info("Unicast relay listening", zap.Stringer("addr", u.Addr()))
	return nil
}

// Addr returns the bound UDP address.
func (u *UnicastRelay) Addr() netip.AddrPort {
	if u.conn == nil {
		return netip.AddrPort{}
	}
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run blocks receiving datagrams until ctx is cancelled or the socket is
// closed. A receive error on a live socket is logged and retried after a
// back-off that doubles up to maxReceiveDelay.
func (u *UnicastRelay) Run(ctx context.Context) error {
	if u.in == nil {
		return errors.New("unicast: Run called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	buf := make([]byte, u.cfg.MaxMessageSize)
	var delay time.Duration
	for {
		n, from, err := u.in.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = min(max(2*delay, minReceiveDelay), maxReceiveDelay)
			u.metrics.Faults.WithLabelValues(transportUDP).Inc()
			u.logger.Warn("Receive failed",
				zap.Duration("retry_in", delay),
				zap.Error(fmt.Errorf("%w: receive: %w", ErrTransportFault, err)))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		u.handlePacket(buf[:n], from)
	}
}

// handlePacket decodes one datagram, records its sender and fans it out.
func (u *UnicastRelay) handlePacket(data []byte, from netip.AddrPort) {
	from = normalizePeer(from)

	msg, err := protocol.DecodeBytes(data)
	if err != nil {
		u.metrics.DecodeErrors.WithLabelValues(transportUDP).Inc()
		u.logger.Debug("Ignoring malformed datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	if u.peers.Add(from) {
		u.metrics.UnicastPeers.Set(float64(u.peers.Len()))
		u.logger.Info("New unicast peer", zap.Stringer("addr", from), zap.Int("peers", u.peers.Len()))
	}
	u.metrics.Received.WithLabelValues(transportUDP, msg.Kind.String()).Inc()
	u.logger.Info("Received message", zap.Stringer("from", from), zap.String("message", msg.Display()))

	u.fanOut(msg, from)
}

// fanOut sends msg to every known peer except the sender, one datagram per
// peer. A failed send is logged and does not stop the rest.
func (u *UnicastRelay) fanOut(msg protocol.Message, from netip.AddrPort) int {
	payload := []byte(protocol.Encode(msg))
	delivered := 0
	for _, peer := range u.peers.Except(from) {
		if _, err := u.out.WriteToUDPAddrPort(payload, peer); err != nil {
			u.metrics.Faults.WithLabelValues(transportUDP).Inc()
			u.logger.Warn("Send failed",
				zap.Stringer("peer", peer),
				zap.Error(fmt.Errorf("%w: send: %w", ErrTransportFault, err)))
			continue
		}
		delivered++
		u.metrics.Relayed.WithLabelValues(transportUDP).Inc()
	}
	return delivered
}

// Close releases the socket.
func (u *UnicastRelay) Close() error {
	if u.conn == nil {
		return nil
	}
	if err := u.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
