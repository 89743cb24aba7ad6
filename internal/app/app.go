// Package app assembles the Spindle subsystems into one runnable process:
// logging, telemetry, the token authority, the track registry, the
// coordination server, the HTTP surface, and optional config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spindle/internal/auth"
	"github.com/MrWong99/spindle/internal/config"
	"github.com/MrWong99/spindle/internal/health"
	"github.com/MrWong99/spindle/internal/observe"
	"github.com/MrWong99/spindle/internal/server"
	"github.com/MrWong99/spindle/internal/track"
)

// shutdownGrace bounds the HTTP listener drain and the telemetry flush.
const shutdownGrace = 5 * time.Second

// App owns every subsystem of a running Spindle process. Construct with
// [New], serve with [Run], release with [Shutdown].
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	auth    *auth.Authenticator
	tracks  *track.Registry
	coord   *server.Server
	checks  *health.Handler
	watcher *config.Watcher

	web *http.Server
	ln  net.Listener

	watchPath string

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option customises construction of an [App].
type Option func(*App)

// WithLogger replaces the stderr logger built from the config's log level.
// Log-level hot reload only applies to the built-in logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithListener serves HTTP on ln instead of binding the configured listen
// address. Tests use this to run on an ephemeral port.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// WithConfigWatch reloads path whenever it changes and applies the
// hot-swappable subset: log level, and room timings for rooms created from
// then on.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// New wires all subsystems from cfg. The config must already be validated;
// use [config.Load].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		level: new(slog.LevelVar),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Logger ────────────────────────────────────────────────────────
	a.initLogger()

	// ── 2. Token authority ───────────────────────────────────────────────
	a.auth = auth.New([]byte(cfg.Auth.Secret), cfg.Server.WSURL, cfg.Server.Name)

	// ── 3. Track registry ────────────────────────────────────────────────
	a.tracks = track.NewRegistry()

	// ── 4. Coordination server ───────────────────────────────────────────
	a.coord = server.New(server.Config{
		Auth:       a.auth,
		Tracks:     a.tracks,
		TrackBase:  cfg.TrackBase(),
		WSURL:      cfg.Server.WSURL,
		Timings:    cfg.Rooms.Timings(),
		AuthWindow: cfg.Auth.Window.Std(),
		Log:        a.log,
	})

	// ── 5. Health probes ─────────────────────────────────────────────────
	a.checks = health.New(cfg.Server.Name,
		health.Check{Name: "auth", Probe: a.probeAuth},
	)

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 7. Config watcher (optional) ─────────────────────────────────────
	if a.watchPath != "" {
		if err := a.initWatcher(); err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
	}

	return a, nil
}

// Logger returns the process logger so main can install it as the slog
// default.
func (a *App) Logger() *slog.Logger { return a.log }

// Server returns the coordination server.
func (a *App) Server() *server.Server { return a.coord }

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLogger builds the stderr text logger unless one was injected. The
// handler reads its level through a.level so reloads take effect without
// swapping the logger.
func (a *App) initLogger() {
	if a.log != nil {
		return
	}
	a.level.Set(a.cfg.Server.LogLevel.Level())
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: a.level,
	}))
}

// initHTTP builds the route table and the HTTP server around it.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.coord.HandleWS)
	mux.HandleFunc("GET /tracks/{id}", a.coord.HandleTrack)
	mux.HandleFunc("GET /invite", a.coord.HandleInvite)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.checks.Register(mux)

	a.web = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
}

// initWatcher starts watching the config file for hot-reloadable changes.
func (a *App) initWatcher() error {
	w, err := config.NewWatcher(a.watchPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	a.log.Info("watching config for changes", "path", a.watchPath)
	return nil
}

// applyConfig is the watcher callback. It applies the hot-swappable subset
// of a reloaded config and logs what changed.
func (a *App) applyConfig(old, cur *config.Config) {
	delta := config.Diff(old, cur)
	if delta.Empty() {
		a.log.Debug("config reloaded with no applicable changes")
		return
	}
	if delta.LogLevelChanged {
		a.level.Set(delta.NewLogLevel.Level())
		a.log.Info("log level changed", "level", delta.NewLogLevel)
	}
	if delta.RoomPolicyChanged {
		a.coord.SetTimings(delta.NewRoomPolicy.Timings())
		a.log.Info("room timing policy changed",
			"skip_delay", delta.NewRoomPolicy.SkipDelay.Std(),
			"removal_delay", delta.NewRoomPolicy.RemovalDelay.Std(),
			"start_lead", delta.NewRoomPolicy.StartLead.Std(),
		)
	}
}

// probeAuth round-trips a session token through the signer so /readyz fails
// when the signing key is unusable.
func (a *App) probeAuth(_ context.Context) error {
	tok, err := a.auth.SignSession("healthcheck")
	if err != nil {
		return err
	}
	id, err := a.auth.VerifySession(tok)
	if err != nil {
		return err
	}
	if id != "healthcheck" {
		return fmt.Errorf("token subject mismatch: %q", id)
	}
	return nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains the listener and
// returns ctx's error. Call [App.Shutdown] afterwards to release the
// remaining subsystems.
func (a *App) Run(ctx context.Context) error {
	if a.ln == nil {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
		a.ln = ln
	}

	tlsCfg := a.cfg.Server.TLS
	a.log.Info("listening",
		"addr", a.ln.Addr().String(),
		"tls", tlsCfg != nil,
		"ws_url", a.cfg.Server.WSURL,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tlsCfg != nil {
			err = a.web.ServeTLS(a.ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.web.Serve(a.ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.web.Shutdown(drainCtx); err != nil {
			a.log.Warn("http drain error", "err", err)
		}
		return gctx.Err()
	})
	return g.Wait()
}

// Shutdown releases all subsystems. It is safe to call more than once; only
// the first call does work. Shutdown honours the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Drop peer sessions and rooms first. The HTTP drain in Run never
		// covers websocket connections once they are hijacked.
		a.coord.Shutdown()

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
