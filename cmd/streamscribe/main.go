// Command streamscribe is the live-stream transcription gateway server.
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

	"github.com/pulsecast/streamscribe/internal/app"
	"github.com/pulsecast/streamscribe/internal/config"
	"github.com/pulsecast/streamscribe/internal/observe"
	"github.com/pulsecast/streamscribe/pkg/stt"
	"github.com/pulsecast/streamscribe/pkg/stt/soniox"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("streamscribe", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("streamscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "streamscribe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── STT provider ──────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "provider", cfg.STT.Provider, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.STT.Provider)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, provider, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.MaxConcurrentChanged || d.InactivityTimeoutChanged {
			slog.Warn("session limits changed in config; restart required to apply",
				"max_concurrent", new.Sessions.MaxConcurrent,
				"inactivity_timeout_seconds", new.Sessions.InactivityTimeoutSeconds,
			)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

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

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the STT provider factories that ship with
// streamscribe into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("soniox", func(cfg config.STTConfig) (stt.Provider, error) {
		var opts []soniox.Option
		if cfg.Endpoint != "" {
			opts = append(opts, soniox.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Model != "" {
			opts = append(opts, soniox.WithModel(cfg.Model))
		}
		return soniox.New(cfg.APIKey, opts...)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       streamscribe — startup          ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  STT provider    : %-19s║\n", summaryValue(cfg.STT.Provider, cfg.STT.Model))
	fmt.Printf("║  Sample rate     : %-19d║\n", cfg.Audio.SampleRate)
	fmt.Printf("║  Max sessions    : %-19d║\n", cfg.Sessions.MaxConcurrent)
	fmt.Printf("║  Chunk duration  : %-19s║\n", cfg.Chunks.Duration())
	fmt.Printf("║  Postgres        : %-19s║\n", enabled(cfg.Storage.PostgresDSN != ""))
	fmt.Printf("║  Redis cache     : %-19s║\n", enabled(cfg.Storage.Redis != nil))
	fmt.Printf("║  Listen addr     : %-19s║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryValue(name, model string) string {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	return value
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// slogLevel maps the config log level onto slog's levels.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
