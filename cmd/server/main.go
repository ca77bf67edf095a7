// Command server runs the RelayChat relay: TCP and UDP on the port given as
// the only argument, plus the admin HTTP server on RELAYCHAT_HTTP_ADDR.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/observability"
	"github.com/Tyrowin/relaychat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: server <port>")
	}
	port, err := server.ParsePort(args[0])
	if err != nil {
		return err
	}

	cfg, err := server.LoadConfig(port)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app := fx.New(
		fx.Supply(*cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(server.NewMetrics, server.New),
		fx.Invoke(registerLifecycle),
	)
	if err := app.Err(); err != nil {
		return fmt.Errorf("assemble server: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	sig := <-app.Wait()
	logger.Info("Stopping RelayChat server", zap.Any("signal", sig.Signal), zap.Int("exit_code", sig.ExitCode))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout+time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("exited with code %d", sig.ExitCode)
	}
	return nil
}

// registerLifecycle starts the relays with the app and shuts the app down if
// a relay loop dies on its own.
func registerLifecycle(lc fx.Lifecycle, s *server.Server, sd fx.Shutdowner, logger *zap.Logger) {
	stopped := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := s.Start(); err != nil {
				return err
			}
			logger.Info("RelayChat server started",
				zap.Stringer("tcp", s.Hub().Addr()),
				zap.Stringer("udp", s.Unicast().Addr()))

			go func() {
				select {
				case err := <-s.Err():
					logger.Error("Relay stopped unexpectedly", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				case <-stopped:
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			close(stopped)
			return s.Shutdown(shutdownTimeout)
		},
	})
}
