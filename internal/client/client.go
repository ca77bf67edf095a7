// Package client is the console side of RelayChat: it registers a name over
// the reliable channel, sends lines on any of the three channels and shows
// whatever each channel delivers.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

var (
	// ErrNameTaken is returned by Dial when the server refuses the name.
	ErrNameTaken = errors.New("name already taken")
	// ErrHandshake is returned by Dial for any other unexpected reply.
	ErrHandshake = errors.New("handshake failed")
	// ErrServerClosed is returned by Run when the server ends the reliable
	// connection.
	ErrServerClosed = errors.New("server closed the connection")
)

const handshakeTimeout = 10 * time.Second

// Config describes where the client connects and under which name.
type Config struct {
	Host      string
	Port      int
	Group     netip.AddrPort
	Interface *net.Interface
	Name      string
}

// Client holds the three channel sockets of one chat participant.
type Client struct {
	cfg    Config
	logger *zap.Logger

	tcp   net.Conn
	lines *bufio.Reader

	udp    *net.UDPConn
	server *net.UDPAddr

	mcast *MulticastRelay

	outMu sync.Mutex
	out   io.Writer
}

// Dial connects to the server, registers cfg.Name and opens the unicast
// socket and the multicast membership. An invalid Group skips multicast.
func Dial(ctx context.Context, cfg Config, out io.Writer, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := protocol.New(protocol.KindHello, cfg.Name, "").Validate(); err != nil {
		return nil, fmt.Errorf("invalid name: %w", err)
	}

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.Named("client"),
		tcp:    tcp,
		lines:  bufio.NewReader(tcp),
		out:    out,
	}
	if err := c.handshake(ctx); err != nil {
		_ = tcp.Close()
		return nil, err
	}

	server, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("resolve %s: %w", address, err), c.Close())
	}
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("open unicast socket: %w", err), c.Close())
	}
	c.udp, c.server = udp, server

	if cfg.Group.IsValid() {
		mcast, err := JoinGroup(ctx, cfg.Group, cfg.Interface, c.logger.Named("multicast"))
		if err != nil {
			return nil, multierr.Append(err, c.Close())
		}
		c.mcast = mcast
	}

	c.logger.Info("Joined chat", zap.String("name", cfg.Name), zap.String("server", address))
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.tcp.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.tcp.SetDeadline(time.Time{}) }()

	hello := protocol.New(protocol.KindHello, c.cfg.Name, "")
	if _, err := c.tcp.Write(protocol.EncodeLine(hello)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	line, err := c.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	reply, err := protocol.Decode(line)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	switch reply.Kind {
	case protocol.KindAck:
		return nil
	case protocol.KindNack:
		return fmt.Errorf("%w: %s", ErrNameTaken, reply.Body)
	default:
		return fmt.Errorf("%w: unexpected reply %q", ErrHandshake, reply.String())
	}
}

// Name returns the registered display name.
func (c *Client) Name() string { return c.cfg.Name }

// Send delivers cmd on the channel it names.
func (c *Client) Send(cmd Command) error {
	msg := protocol.New(cmd.Kind, c.cfg.Name, cmd.Text)
	switch cmd.Kind {
	case protocol.KindTCP:
		if _, err := c.tcp.Write(protocol.EncodeLine(msg)); err != nil {
			return fmt.Errorf("send tcp: %w", err)
		}
	case protocol.KindUDP:
		if _, err := c.udp.WriteToUDP([]byte(protocol.Encode(msg)), c.server); err != nil {
			return fmt.Errorf("send udp: %w", err)
		}
	case protocol.KindMulticast:
		if c.mcast == nil {
			return errors.New("multicast group not joined")
		}
		return c.mcast.Send(msg)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Kind)
	}
	return nil
}

// SendLine parses one line of console input and sends it.
func (c *Client) SendLine(line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}
	return c.Send(cmd)
}

// Run shows messages from every channel until ctx is cancelled or the server
// closes the reliable connection.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.receiveReliable(ctx) })
	g.Go(func() error { return serveDatagrams(ctx, c.udp, c.logger.Named("unicast"), c.display) })
	if c.mcast != nil {
		g.Go(func() error { return c.mcast.Serve(ctx, c.display) })
	}
	return g.Wait()
}

func (c *Client) receiveReliable(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.tcp.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		line, err := c.lines.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			c.displayLine(line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("receive tcp: %w", err)
		}
	}
}

func (c *Client) displayLine(line string) {
	msg, err := protocol.Decode(line)
	if err != nil {
		c.logger.Warn("Ignoring malformed line from server", zap.String("line", strings.TrimSpace(line)), zap.Error(err))
		return
	}
	c.display(msg)
}

func (c *Client) display(msg protocol.Message) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintln(c.out, msg.Display()); err != nil {
		c.logger.Debug("Display failed", zap.Error(err))
	}
}

// Close releases every socket.
func (c *Client) Close() error {
	var err error
	if c.tcp != nil {
		err = multierr.Append(err, ignoreClosed(c.tcp.Close()))
	}
	if c.udp != nil {
		err = multierr.Append(err, ignoreClosed(c.udp.Close()))
	}
	if c.mcast != nil {
		err = multierr.Append(err, c.mcast.Close())
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
