// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. store    — the database is the only hard requirement
//  2. redis    — optional; absence degrades quotas and breakers to process-local
//  3. caches   — settings, providers, blocklist snapshots
//  4. breakers — provider and endpoint breakers plus the vendor fuse
//  5. limits   — quota limiter
//  6. sessions — tracker and codex completer
//  7. writer   — message_request persistence (+ optional ClickHouse sink)
//  8. engine   — guard pipeline, forwarder, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ding113/claude-code-hub/internal/breaker"
	"github.com/ding113/claude-code-hub/internal/cache"
	"github.com/ding113/claude-code-hub/internal/config"
	"github.com/ding113/claude-code-hub/internal/metrics"
	"github.com/ding113/claude-code-hub/internal/proxy"
	"github.com/ding113/claude-code-hub/internal/ratelimit"
	"github.com/ding113/claude-code-hub/internal/rdb"
	"github.com/ding113/claude-code-hub/internal/session"
	"github.com/ding113/claude-code-hub/internal/store"
	"github.com/ding113/claude-code-hub/internal/writer"
)

// sessionGaugeInterval paces the active-sessions gauge refresh.
const sessionGaugeInterval = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	store *store.SQLStore
	rd    *rdb.Client // nil when REDIS_URL is unset

	settings  *cache.Settings
	words     *cache.Words
	providers *cache.Providers

	cbConfig   *breaker.ConfigCache
	providerCB *breaker.Breaker
	endpointCB *breaker.Breaker // nil when the endpoint breaker is disabled
	fuse       *breaker.Fuse

	limiter *ratelimit.Limiter
	tracker *session.Tracker
	codex   *session.CodexCompleter

	writer *writer.Writer

	prom *metrics.Registry

	server *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(version)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"redis", a.initRedis},
		{"caches", a.initCaches},
		{"breakers", a.initBreakers},
		{"limits", a.initLimits},
		{"sessions", a.initSessions},
		{"writer", a.initWriter},
		{"engine", a.initEngine},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background loops, blocking until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting hub",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rd != nil),
		slog.Bool("endpoint_breaker", a.endpointCB != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gctx, addr)
	})

	if a.rd != nil {
		g.Go(func() error {
			err := a.limiter.Run(gctx)
			if err != nil && gctx.Err() != nil {
				return nil
			}
			return err
		})
		g.Go(func() error { a.cbConfig.Subscribe(gctx, a.rd); return nil })
		g.Go(func() error { a.settings.Subscribe(gctx, a.rd); return nil })
		g.Go(func() error { a.providers.Subscribe(gctx, a.rd); return nil })
		g.Go(func() error { a.sessionGaugeLoop(gctx); return nil })
	}

	err := g.Wait()
	a.Close()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.log.Error("writer close error", slog.String("error", err.Error()))
		}
		a.writer = nil
	}
	if a.rd != nil {
		if err := a.rd.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rd = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// ready is the readiness probe: the DB must answer, and Redis too when
// configured.
func (a *App) ready() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		return false
	}
	if a.rd != nil && a.rd.Ping(ctx).Err() != nil {
		return false
	}
	return true
}

// sessionGaugeLoop publishes the active-session count until ctx is cancelled.
func (a *App) sessionGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionGaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := a.tracker.ActiveSessions(ctx)
			if err != nil {
				continue
			}
			a.prom.SetActiveSessions(len(ids))
		}
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
