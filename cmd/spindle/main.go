// Command spindle is the realtime coordination server for collaborative
// audio rooms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/spindle/internal/app"
	"github.com/MrWong99/spindle/internal/config"
	"github.com/MrWong99/spindle/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch-config", true, "apply hot-swappable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "spindle: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "spindle: %v\n", err)
		}
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	flush, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Server.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "spindle: init telemetry: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flush(flushCtx); err != nil {
			slog.Warn("telemetry flush error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	var opts []app.Option
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spindle: %v\n", err)
		return 1
	}
	slog.SetDefault(application.Logger())

	slog.Info("spindle starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"ws_url", cfg.Server.WSURL,
		"log_level", cfg.Server.LogLevel,
	)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
