// Command bamgate-noded runs the sans-I/O connection engine (internal/node)
// against real UDP sockets and a signaling hub.
//
// Usage:
//
//	bamgate-noded -config /etc/bamgate/noded.toml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuuji/bamgate/internal/node/daemon"
)

func main() {
	configPath := flag.String("config", "/etc/bamgate/noded.toml", "path to node daemon config file")
	verbose := flag.Bool("v", false, "enable verbose/debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("constructing daemon", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bamgate-noded", "peer_id", cfg.Signaling.PeerID, "signaling", cfg.Signaling.ServerURL)
	if err := d.Run(ctx); err != nil {
		logger.Error("node daemon error", "error", err)
		os.Exit(1)
	}
	logger.Info("bamgate-noded stopped")
}
