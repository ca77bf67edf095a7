package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentPacket struct {
	to      netip.AddrPort
	payload string
}

// recordingWriter captures fan-out datagrams and can fail for chosen peers.
type recordingWriter struct {
	sent   []sentPacket
	failTo map[netip.AddrPort]bool
}

func (w *recordingWriter) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if w.failTo[addr] {
		return 0, errors.New("network unreachable")
	}
	w.sent = append(w.sent, sentPacket{to: addr, payload: string(b)})
	return len(b), nil
}

func (w *recordingWriter) take() []sentPacket {
	out := w.sent
	w.sent = nil
	return out
}

func newTestUnicast(t *testing.T) (*UnicastRelay, *recordingWriter) {
	t.Helper()
	u := NewUnicastRelay(*NewConfig(0), zaptest.NewLogger(t), nil)
	w := &recordingWriter{failTo: map[netip.AddrPort]bool{}}
	u.out = w
	return u, w
}

var (
	peer1 = netip.MustParseAddrPort("127.0.0.1:5001")
	peer2 = netip.MustParseAddrPort("127.0.0.1:5002")
	peer3 = netip.MustParseAddrPort("127.0.0.1:5003")
)

func TestUnicastFanOutExcludesSender(t *testing.T) {
	u, w := newTestUnicast(t)

	u.handlePacket([]byte("UDP.p1.hello"), peer1)
	assert.Empty(t, w.take(), "first peer has nobody to talk to")

	u.handlePacket([]byte("UDP.p2.hello"), peer2)
	assert.Equal(t, []sentPacket{{to: peer1, payload: "UDP.p2.hello"}}, w.take())

	u.handlePacket([]byte("UDP.p3.hello"), peer3)
	assert.Equal(t, []sentPacket{
		{to: peer1, payload: "UDP.p3.hello"},
		{to: peer2, payload: "UDP.p3.hello"},
	}, w.take())

	u.handlePacket([]byte("UDP.p1.hi all\n"), peer1)
	assert.Equal(t, []sentPacket{
		{to: peer2, payload: "UDP.p1.hi all"},
		{to: peer3, payload: "UDP.p1.hi all"},
	}, w.take())
}

func TestUnicastPeerIdempotence(t *testing.T) {
	u, _ := newTestUnicast(t)

	for i := 0; i < 5; i++ {
		u.handlePacket([]byte("UDP.p1.again"), peer1)
	}
	u.handlePacket([]byte("UDP.p1.mapped"), netip.MustParseAddrPort("[::ffff:127.0.0.1]:5001"))

	assert.Equal(t, 1, u.peers.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(u.metrics.UnicastPeers))
}

func TestUnicastIgnoresMalformed(t *testing.T) {
	u, w := newTestUnicast(t)
	u.handlePacket([]byte("UDP.p1.hello"), peer1)

	u.handlePacket([]byte("garbage"), peer2)
	u.handlePacket([]byte("BOGUS.p2.x"), peer2)

	assert.Empty(t, w.take())
	assert.False(t, u.peers.Contains(peer2), "a sender that never decoded is not recorded")
	assert.Equal(t, 2.0, testutil.ToFloat64(u.metrics.DecodeErrors.WithLabelValues(transportUDP)))
}

// TestUnicastSendFailureIsolation verifies that one unreachable peer does not
// stop fan-out to the rest.
func TestUnicastSendFailureIsolation(t *testing.T) {
	u, w := newTestUnicast(t)
	u.handlePacket([]byte("UDP.p1.hello"), peer1)
	u.handlePacket([]byte("UDP.p2.hello"), peer2)
	u.handlePacket([]byte("UDP.p3.hello"), peer3)
	w.take()

	w.failTo[peer2] = true
	delivered := u.fanOut(mustDecode(t, "UDP.p4.hi"), netip.MustParseAddrPort("127.0.0.1:5004"))

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []sentPacket{
		{to: peer1, payload: "UDP.p4.hi"},
		{to: peer3, payload: "UDP.p4.hi"},
	}, w.take())
	assert.Equal(t, 1.0, testutil.ToFloat64(u.metrics.Faults.WithLabelValues(transportUDP)))
}

// TestUnicastRelayOverLoopback sends from three real sockets: a message from
// P1 reaches P2 and P3 and is not echoed to P1.
func TestUnicastRelayOverLoopback(t *testing.T) {
	cfg := *NewConfig(0)
	cfg.Host = "127.0.0.1"
	u := NewUnicastRelay(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, u.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	server := net.UDPAddrFromAddrPort(u.Addr())
	p1, p2, p3 := udpPeer(t), udpPeer(t), udpPeer(t)

	send(t, p1, server, "UDP.p1.hello")
	send(t, p2, server, "UDP.p2.hello")
	expectDatagram(t, p1, "UDP.p2.hello")
	send(t, p3, server, "UDP.p3.hello")
	expectDatagram(t, p1, "UDP.p3.hello")
	expectDatagram(t, p2, "UDP.p3.hello")

	send(t, p1, server, "UDP.p1.hi everyone")
	expectDatagram(t, p2, "UDP.p1.hi everyone")
	expectDatagram(t, p3, "UDP.p1.hi everyone")

	// P1 sees P2's next message and nothing of its own before it.
	send(t, p2, server, "UDP.p2.reply")
	expectDatagram(t, p1, "UDP.p2.reply")
}

type readResult struct {
	data string
	from netip.AddrPort
	err  error
}

// scriptedReader replays results in order, then reports a closed socket.
type scriptedReader struct {
	results []readResult
}

func (r *scriptedReader) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	if len(r.results) == 0 {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	next := r.results[0]
	r.results = r.results[1:]
	if next.err != nil {
		return 0, netip.AddrPort{}, next.err
	}
	return copy(b, next.data), next.from, nil
}

// TestUnicastRunSurvivesReceiveErrors checks that failed receives are
// counted and retried rather than ending the loop.
func TestUnicastRunSurvivesReceiveErrors(t *testing.T) {
	u, w := newTestUnicast(t)
	transient := errors.New("no buffer space available")
	u.in = &scriptedReader{results: []readResult{
		{err: transient},
		{err: transient},
		{err: transient},
		{data: "UDP.p1.hello", from: peer1},
		{data: "UDP.p2.still relaying", from: peer2},
	}}

	require.NoError(t, u.Run(context.Background()))

	assert.Equal(t, 3.0, testutil.ToFloat64(u.metrics.Faults.WithLabelValues(transportUDP)))
	assert.Equal(t, []sentPacket{{to: peer1, payload: "UDP.p2.still relaying"}}, w.take())
}

func TestUnicastRunStopsDuringBackoff(t *testing.T) {
	u, _ := newTestUnicast(t)
	results := make([]readResult, 20)
	for i := range results {
		results[i] = readResult{err: errors.New("persistent failure")}
	}
	u.in = &scriptedReader{results: results}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, u.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnicastRunBeforeListen(t *testing.T) {
	u := NewUnicastRelay(*NewConfig(0), nil, nil)
	assert.Error(t, u.Run(context.Background()))
	assert.NoError(t, u.Close())
}

func udpPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, from *net.UDPConn, to *net.UDPAddr, line string) {
	t.Helper()
	_, err := from.WriteToUDP([]byte(line), to)
	require.NoError(t, err)
}

func expectDatagram(t *testing.T, conn *net.UDPConn, want string) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err, "waiting for %q", want)
	assert.Equal(t, want, string(buf[:n]))
}
