// Command client joins a RelayChat server from the console.
//
//	client <host> <port> <group> <group-port> <name>
//
// Lines typed are sent over TCP. "-u text" sends over UDP and "-m text" to
// the multicast group.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/client"
	"github.com/Tyrowin/relaychat/internal/observability"
	"github.com/Tyrowin/relaychat/internal/server"
)

const usage = "usage: client <host> <port> <group> <group-port> <name>"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (client.Config, error) {
	if len(args) < 5 {
		return client.Config{}, errors.New(usage)
	}

	port, err := server.ParsePort(args[1])
	if err != nil {
		return client.Config{}, fmt.Errorf("port: %w", err)
	}
	group, err := netip.ParseAddr(args[2])
	if err != nil {
		return client.Config{}, fmt.Errorf("group: %w", err)
	}
	groupPort, err := server.ParsePort(args[3])
	if err != nil {
		return client.Config{}, fmt.Errorf("group port: %w", err)
	}

	return client.Config{
		Host:  args[0],
		Port:  port,
		Group: netip.AddrPortFrom(group, uint16(groupPort)),
		Name:  args[4],
	}, nil
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}

	logDefaults := observability.DefaultLogConfig()
	logDefaults.Level = "warn"
	logger, err := observability.NewLogger(observability.LoadLogConfig(observability.NewEnv(), logDefaults))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cfg, os.Stdout, logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	go readConsole(ctx, c, stop, logger)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readConsole sends every line typed until stdin ends.
func readConsole(ctx context.Context, c *client.Client, stop context.CancelFunc, logger *zap.Logger) {
	defer stop()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.SendLine(scanner.Text()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Console read failed", zap.Error(err))
	}
}
