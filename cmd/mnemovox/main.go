// Command mnemovox is the voice review server: it connects spaced-repetition
// flashcards to a spoken conversation over WebSocket.
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

	"go.opentelemetry.io/otel"

	"github.com/mnemovox/mnemovox/internal/config"
	"github.com/mnemovox/mnemovox/internal/observe"
	"github.com/mnemovox/mnemovox/internal/pipeline"
	"github.com/mnemovox/mnemovox/internal/server"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

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
			fmt.Fprintf(os.Stderr, "mnemovox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mnemovox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mnemovox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers and stores ──────────────────────────────────────────────────
	p, err := pipeline.New(ctx, cfg, pipeline.DefaultRegistry(), logger, metrics)
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return 1
	}
	defer p.Close()

	printStartupSummary(cfg)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Cfg:      cfg,
		Pipeline: p,
		Logger:   logger,
		Metrics:  metrics,
		Version:  version,
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide structured logger at the configured
// level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// printStartupSummary logs which implementation serves each pipeline stage.
func printStartupSummary(cfg *config.Config) {
	name := func(entry config.ProviderEntry, def string) string {
		if entry.Name == "" {
			return def + " (default)"
		}
		return entry.Name
	}
	historyStore := "memory"
	if cfg.History.PostgresDSN != "" {
		historyStore = "postgres"
	}
	slog.Info("pipeline configured",
		"stt", name(cfg.Providers.STT, "whisper"),
		"tts", name(cfg.Providers.TTS, "coqui"),
		"vad", name(cfg.Providers.VAD, "energy"),
		"textgen", name(cfg.Providers.TextGen, "backend"),
		"backend", cfg.Backend.BaseURL,
		"default_mode", string(cfg.Session.DefaultMode),
		"history", historyStore,
		"tls", cfg.Server.TLS != nil,
	)
}
