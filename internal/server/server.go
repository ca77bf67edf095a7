// Package server assembles the relay process: the reliable Hub, the unicast
// relay and the optional admin HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server runs both relays and the admin HTTP surface.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	hub     *Hub
	unicast *UnicastRelay
	http    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errc   chan error
}

// New creates a Server for cfg. Nothing is bound until Start.
func New(cfg Config, logger *zap.Logger, metrics *Metrics) *Server {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		hub:     NewHub(cfg, logger, metrics),
		unicast: NewUnicastRelay(cfg, logger, metrics),
		errc:    make(chan error, 3),
	}
	if cfg.HTTPAddr != "" {
		s.http = CreateServer(cfg.HTTPAddr, SetupRoutes(NewGateway(s.hub), metrics))
	}
	return s
}

// Hub returns the reliable relay.
func (s *Server) Hub() *Hub { return s.hub }

// Unicast returns the unicast relay.
func (s *Server) Unicast() *UnicastRelay { return s.unicast }

// Err reports relay loops that stopped on their own with an error.
func (s *Server) Err() <-chan error { return s.errc }

// Start binds every socket and starts the loops. A TCP or UDP bind failure
// is returned and leaves nothing running; if the admin address cannot be
// bound the relays run without it.
func (s *Server) Start() error {
	if err := s.hub.Listen(); err != nil {
		return err
	}
	if err := s.unicast.Listen(); err != nil {
		return multierr.Append(err, s.hub.Shutdown(time.Second))
	}

	var httpLn net.Listener
	if s.http != nil {
		ln, err := net.Listen("tcp", s.http.Addr)
		if err != nil {
			s.logger.Warn("Admin HTTP server disabled", zap.String("addr", s.http.Addr), zap.Error(err))
			s.http = nil
		}
		httpLn = ln
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.goLoop("hub", s.hub.Run)
	s.goLoop("unicast", func() error { return s.unicast.Run(ctx) })
	if httpLn != nil {
		s.logger.Info("Admin HTTP server listening", zap.Stringer("addr", httpLn.Addr()))
		s.goLoop("http", func() error {
			if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return nil
}

func (s *Server) goLoop(name string, run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil {
			s.logger.Error("Loop stopped", zap.String("loop", name), zap.Error(err))
			s.errc <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Shutdown stops the HTTP server, the Hub and the unicast relay, waiting at
// most timeout for each.
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	if s.http != nil {
		err = multierr.Append(err, ShutdownServer(s.http, timeout, s.logger))
	}
	err = multierr.Append(err, s.hub.Shutdown(timeout))
	if s.cancel != nil {
		s.cancel()
	}
	err = multierr.Append(err, s.unicast.Close())
	s.wg.Wait()
	return err
}
