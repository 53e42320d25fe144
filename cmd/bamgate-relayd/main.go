// Command bamgate-relayd runs a standalone TURN-compatible relay server.
// Nodes that cannot establish a direct or server-reflexive path fall back
// to relaying their encrypted transport through it.
//
// Usage:
//
//	bamgate-relayd -config /etc/bamgate/relayd.toml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuuji/bamgate/internal/relay"
)

func main() {
	configPath := flag.String("config", "/etc/bamgate/relayd.toml", "path to relay config file")
	verbose := flag.Bool("v", false, "enable verbose/debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	srv := relay.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, srv)

	logger.Info("starting bamgate-relayd", "control_addr", cfg.Listen.ControlAddr)
	if err := srv.Run(ctx); err != nil {
		logger.Error("relay server error", "error", err)
		os.Exit(1)
	}
	logger.Info("bamgate-relayd stopped")
}

// sweepLoop periodically expires allocations past their lifetime, since
// the relay server has no sans-I/O timer driving it the way the Node does.
func sweepLoop(ctx context.Context, srv *relay.Server) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.Sweep(now)
		}
	}
}
