//go:build linux

package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServerStartAndShutdown(t *testing.T) {
	cfg := *NewConfig(0)
	cfg.Host = "127.0.0.1"
	cfg.HTTPAddr = "127.0.0.1:0"

	s := New(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, s.Start())

	alice := dialHub(t, s.Hub())
	alice.join("alice")

	peer := udpPeer(t)
	send(t, peer, net.UDPAddrFromAddrPort(s.Unicast().Addr()), "UDP.alice.over udp")

	require.NoError(t, s.Shutdown(5*time.Second))

	select {
	case err := <-s.Err():
		t.Fatalf("unexpected loop error: %v", err)
	default:
	}
}

func TestServerRunsWithoutAdminWhenItsPortIsBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })

	cfg := *NewConfig(0)
	cfg.Host = "127.0.0.1"
	cfg.HTTPAddr = busy.Addr().String()

	s := New(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, s.Start())

	alice := dialHub(t, s.Hub())
	alice.join("alice")

	require.NoError(t, s.Shutdown(5*time.Second))
	select {
	case err := <-s.Err():
		t.Fatalf("unexpected loop error: %v", err)
	default:
	}
}

func TestServerStartFailsWhenPortBusy(t *testing.T) {
	cfg := *NewConfig(0)
	cfg.Host = "127.0.0.1"
	cfg.HTTPAddr = ""

	first := New(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, first.Start())
	t.Cleanup(func() { assert.NoError(t, first.Shutdown(5*time.Second)) })

	// Reuse the UDP port the first server bound; TCP on it may be free.
	cfg.Port = int(first.Unicast().Addr().Port())
	second := New(cfg, zaptest.NewLogger(t), nil)
	assert.Error(t, second.Start())
}
