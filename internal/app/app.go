// Package app wires all streamscribe subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSink, WithRecentCache, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pulsecast/streamscribe/internal/api"
	"github.com/pulsecast/streamscribe/internal/chunker"
	"github.com/pulsecast/streamscribe/internal/config"
	"github.com/pulsecast/streamscribe/internal/health"
	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/internal/resilience"
	"github.com/pulsecast/streamscribe/internal/session"
	"github.com/pulsecast/streamscribe/internal/store"
	"github.com/pulsecast/streamscribe/internal/store/postgres"
	redisstore "github.com/pulsecast/streamscribe/internal/store/redis"
	"github.com/pulsecast/streamscribe/pkg/stt"
)

// App owns all subsystem lifetimes and serves the gateway's HTTP surface.
type App struct {
	cfg      *config.Config
	provider stt.Provider
	version  string

	// Subsystems — initialised in New, torn down in Shutdown.
	manager *session.Manager
	chunks  *chunker.Registry
	durable *postgres.Store
	cache   *redisstore.Cache
	sink    store.Sink
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVersion sets the build version reported by the health summary.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithSink injects the chunk sink instead of building one from config.
func WithSink(s store.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithRecentCache injects a recent-chunk cache instead of connecting to
// Redis from config.
func WithRecentCache(c *redisstore.Cache) Option {
	return func(a *App) { a.cache = c }
}

// New creates an App by wiring all subsystems together. The STT provider
// comes from main (built via the config registry). Use Option functions to
// inject test doubles.
func New(ctx context.Context, cfg *config.Config, provider stt.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Chunk stores ──────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	a.manager = session.NewManager(cfg.Sessions.MaxConcurrent)

	// ── 3. Chunk aggregation ─────────────────────────────────────────────
	a.chunks = chunker.NewRegistry(cfg.Chunks.Duration(), a.sink)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initStores builds the durable store and the recent-chunk cache, composing
// them into the single sink the aggregator writes to. A missing backend is
// skipped with a warning; transcription still works, only persistence
// degrades.
func (a *App) initStores(ctx context.Context) error {
	if a.sink != nil {
		return nil // injected
	}

	var sinks []store.Sink

	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.durable = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })

		guarded := resilience.NewGuardedSink(
			instrumentSink("postgres", pg),
			resilience.CircuitBreakerConfig{Name: "postgres-chunks"},
		)
		sinks = append(sinks, guarded)
		slog.Info("durable chunk store connected")
	} else {
		slog.Warn("storage.postgres_dsn is empty; chunks will not be durably persisted")
	}

	if a.cache == nil && a.cfg.Storage.Redis != nil {
		rc := a.cfg.Storage.Redis
		cache, err := redisstore.NewCache(ctx, rc.Addr, rc.Password, rc.DB,
			redisstore.WithMaxChunks(int64(a.cfg.Chunks.RecentLimit)),
			redisstore.WithTTL(a.cfg.Chunks.CacheTTL()),
		)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.cache = cache
		a.closers = append(a.closers, cache.Close)
		slog.Info("recent chunk cache connected", "addr", rc.Addr)
	}
	if a.cache != nil {
		sinks = append(sinks, instrumentSink("redis", a.cache))
	}

	switch len(sinks) {
	case 0:
		// Aggregation still runs; flushed chunks are logged and dropped.
		a.sink = store.SinkFunc(func(_ context.Context, chunk store.Chunk) error {
			slog.Debug("chunk discarded, no store configured", "stream_id", chunk.StreamID)
			return nil
		})
	case 1:
		a.sink = sinks[0]
	default:
		a.sink = store.Multi(sinks...)
	}
	return nil
}

// initHTTP assembles the router and the http.Server.
func (a *App) initHTTP() {
	checkers := make([]health.Checker, 0, 2)
	if a.durable != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.durable.Ping})
	}
	if a.cache != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.cache.Ping})
	}
	healthHandler := health.New(checkers...).WithDetails(func() map[string]any {
		return map[string]any{"active_sessions": a.manager.LiveCount()}
	})

	var durable api.ChunkReader
	if a.durable != nil {
		durable = a.durable
	}
	var recent api.RecentReader
	if a.cache != nil {
		recent = a.cache
	}

	srv := api.NewServer(
		a.manager,
		a.provider,
		a.chunks,
		durable,
		recent,
		healthHandler,
		observe.DefaultMetrics(),
		api.Options{
			SampleRate:        a.cfg.Audio.SampleRate,
			FFmpegPath:        a.cfg.Audio.FFmpegPath,
			HLSBaseURL:        a.cfg.HLS.BaseURL,
			Version:           a.version,
			InactivityTimeout: a.cfg.Sessions.InactivityTimeout(),
		},
	)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Manager exposes the session manager, mainly for tests and hot-reload
// hooks.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Run serves HTTP until ctx is cancelled or the listener fails. It blocks.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests, tears down every session (flushing
// chunk windows), and closes the stores. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		var errs []error

		if e := a.server.Shutdown(ctx); e != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", e))
		}

		a.manager.Shutdown(ctx)
		a.chunks.Shutdown()

		for _, closer := range a.closers {
			if e := closer(); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// instrumentSink wraps a sink so every save is timed and counted under the
// given sink label.
func instrumentSink(name string, inner store.Sink) store.Sink {
	return store.SinkFunc(func(ctx context.Context, chunk store.Chunk) error {
		start := time.Now()
		err := inner.Save(ctx, chunk)
		status := "ok"
		if err != nil {
			status = "error"
		}
		observe.DefaultMetrics().RecordChunkSave(ctx, name, status, time.Since(start).Seconds())
		return err
	})
}
