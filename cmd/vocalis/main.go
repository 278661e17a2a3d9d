// Command vocalis is the persona voice relay server: it bridges browser
// audio/control WebSockets to a realtime speech backend.
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

	"golang.org/x/sync/errgroup"

	"github.com/maelstrand/vocalis/internal/config"
	"github.com/maelstrand/vocalis/internal/observe"
	"github.com/maelstrand/vocalis/internal/server"
	"github.com/maelstrand/vocalis/pkg/speech"
	"github.com/maelstrand/vocalis/pkg/speech/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vocalis",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Speech backend ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build speech backend", "err", err)
		return 1
	}
	if provider == nil {
		slog.Warn("no upstream configured — serving deterministic fallback responses only")
	}

	// ── Persona catalog ───────────────────────────────────────────────────────
	catalog, err := cfg.Catalog()
	if err != nil {
		slog.Error("invalid persona catalog", "err", err)
		return 1
	}
	slog.Info("persona catalog loaded", "personas", catalog.Len())

	// ── Server ────────────────────────────────────────────────────────────────
	opts := []server.Option{
		server.WithListenAddr(cfg.Server.ListenAddr),
		server.WithLogger(logger),
		server.WithIdleTimeout(cfg.Audio.EffectiveIdleTimeout()),
		server.WithAudioFormat(cfg.Audio.EffectiveSampleRate(), cfg.Audio.EffectiveChunkThreshold()),
	}
	if cfg.Server.TLS != nil {
		opts = append(opts, server.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	srv := server.New(catalog, provider, opts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PersonasChanged {
			c, err := new.Catalog()
			if err != nil {
				slog.Warn("reloaded persona catalog invalid, keeping previous", "err", err)
				return
			}
			srv.SetCatalog(c)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ──────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the speech backend factories that ship with
// Vocalis into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.UpstreamConfig) (speech.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// buildProvider instantiates the configured speech backend, or returns nil
// when none is configured (degraded mode).
func buildProvider(cfg *config.Config, reg *config.Registry) (speech.Provider, error) {
	name := cfg.Upstream.Name
	if name == "" {
		return nil, nil
	}
	p, err := reg.Create(cfg.Upstream)
	if errors.Is(err, config.ErrBackendNotRegistered) {
		slog.Warn("upstream backend not registered — running degraded", "name", name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create upstream %q: %w", name, err)
	}
	slog.Info("upstream backend created", "name", name, "model", cfg.Upstream.Model)
	return p, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
