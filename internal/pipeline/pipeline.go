// Package pipeline assembles the voice providers, card source, and history
// store a review server needs, from configuration. It owns the lifecycle of
// everything it builds: construct with [New], hand the fields to sessions,
// and call [Pipeline.Close] on shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemovox/mnemovox/internal/backend"
	"github.com/mnemovox/mnemovox/internal/config"
	"github.com/mnemovox/mnemovox/internal/health"
	"github.com/mnemovox/mnemovox/internal/history"
	"github.com/mnemovox/mnemovox/internal/observe"
	"github.com/mnemovox/mnemovox/internal/resilience"
	"github.com/mnemovox/mnemovox/pkg/provider/stt"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

// Pipeline bundles the assembled collaborators for the review server.
type Pipeline struct {
	// Backend is the card source API client.
	Backend *backend.Client

	// Transcriber converts spoken answers to text.
	Transcriber stt.Transcriber

	// Synthesizer speaks card fronts and feedback. It is wrapped in a
	// silent-audio fallback, so synthesis failures degrade to text-only
	// delivery instead of breaking the session.
	Synthesizer tts.Synthesizer

	// NewDetector builds a speech activity detector. Detectors carry
	// per-stream hysteresis state, so every audio stream needs its own
	// instance; call this once per probe loop and once per segmenter.
	NewDetector func() (vad.Detector, error)

	// Generator phrases conversational prompts and backs LLM grading.
	// When a textgen provider is configured it is chained in front of the
	// card source's own text generation; otherwise the card source is used
	// alone. Nil only when text generation is disabled entirely.
	Generator textgen.Generator

	// History records finished session summaries.
	History history.Store

	log     *slog.Logger
	met     *observe.Metrics
	pool    *pgxpool.Pool
	closers []io.Closer
}

// New assembles a pipeline from cfg. reg supplies the provider factories;
// nil selects [DefaultRegistry]. met receives instrumentation from the
// assembled collaborators; nil selects [observe.DefaultMetrics]. On error,
// everything constructed so far is closed before returning.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, logger *slog.Logger, met *observe.Metrics) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = observe.DefaultMetrics()
	}

	p := &Pipeline{log: logger, met: met}
	if err := p.build(ctx, cfg, reg); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context, cfg *config.Config, reg *config.Registry) error {
	var err error

	backendOpts := []backend.Option{
		backend.WithRequestObserver(p.met.RecordBackendRequest),
	}
	if d := cfg.Backend.Timeout.Std(); d > 0 {
		backendOpts = append(backendOpts, backend.WithTimeout(d))
	}
	p.Backend, err = backend.New(cfg.Backend.BaseURL, backendOpts...)
	if err != nil {
		return fmt.Errorf("pipeline: card source: %w", err)
	}

	p.Transcriber, err = reg.CreateSTT(withDefaultName(cfg.Providers.STT, "whisper"))
	if err != nil {
		return fmt.Errorf("pipeline: stt: %w", err)
	}
	p.trackCloser(p.Transcriber)

	synth, err := reg.CreateTTS(withDefaultName(cfg.Providers.TTS, "coqui"))
	if err != nil {
		return fmt.Errorf("pipeline: tts: %w", err)
	}
	p.trackCloser(synth)
	p.Synthesizer = &resilience.SilentFallback{Synthesizer: synth}

	vadEntry := withDefaultName(cfg.Providers.VAD, "energy")
	if cfg.Audio.SpeechThreshold > 0 {
		vadEntry = withOption(vadEntry, "speech_threshold", cfg.Audio.SpeechThreshold)
	}
	p.NewDetector = func() (vad.Detector, error) {
		return reg.CreateVAD(vadEntry)
	}
	// Build one up front so a misconfigured detector fails at startup, not
	// on the first connection.
	if _, err := p.NewDetector(); err != nil {
		return fmt.Errorf("pipeline: vad: %w", err)
	}

	p.Generator, err = p.buildGenerator(cfg.Providers.TextGen, reg)
	if err != nil {
		return fmt.Errorf("pipeline: textgen: %w", err)
	}

	if err := p.buildHistory(ctx, cfg.History); err != nil {
		return fmt.Errorf("pipeline: history: %w", err)
	}
	return nil
}

// buildGenerator resolves the text generation chain. The card source's own
// generation endpoint is always the last resort; a configured provider is
// chained in front of it behind per-provider circuit breakers.
func (p *Pipeline) buildGenerator(entry config.ProviderEntry, reg *config.Registry) (textgen.Generator, error) {
	backendGen := &backend.TextGenerator{Client: p.Backend}
	switch entry.Name {
	case "", "backend":
		return backendGen, nil
	}

	primary, err := reg.CreateTextGen(entry)
	if err != nil {
		return nil, err
	}

	group := resilience.NewFallbackGroup[textgen.Generator](primary, entry.Name, resilience.FallbackConfig{})
	group.AddFallback("backend", backendGen)
	return &fallbackGenerator{group: group}, nil
}

func (p *Pipeline) buildHistory(ctx context.Context, cfg config.HistoryConfig) error {
	if cfg.PostgresDSN == "" {
		p.History = history.NewMemoryStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	store := history.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	p.pool = pool
	p.History = store
	return nil
}

// Checkers returns the readiness checks for the assembled dependencies.
func (p *Pipeline) Checkers() []health.Checker {
	checkers := []health.Checker{
		health.CheckerFunc("backend", p.Backend.Health),
	}
	if p.pool != nil {
		checkers = append(checkers, health.CheckerFunc("postgres", func(ctx context.Context) error {
			return p.pool.Ping(ctx)
		}))
	}
	return checkers
}

// Close releases every resource the pipeline owns. Safe to call more than
// once.
func (p *Pipeline) Close() {
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			p.log.Warn("failed to close provider", "error", err)
		}
	}
	p.closers = nil
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}

// trackCloser records v for Close when the provider holds resources.
func (p *Pipeline) trackCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// withDefaultName fills in the provider name when the config omits it.
func withDefaultName(entry config.ProviderEntry, name string) config.ProviderEntry {
	if entry.Name == "" {
		entry.Name = name
	}
	return entry
}

// withOption returns entry with key set in a copied options map, unless the
// config already sets it explicitly.
func withOption(entry config.ProviderEntry, key string, value any) config.ProviderEntry {
	if _, ok := entry.Options[key]; ok {
		return entry
	}
	opts := make(map[string]any, len(entry.Options)+1)
	for k, v := range entry.Options {
		opts[k] = v
	}
	opts[key] = value
	entry.Options = opts
	return entry
}

// fallbackGenerator adapts a resilience.FallbackGroup to textgen.Generator.
type fallbackGenerator struct {
	group *resilience.FallbackGroup[textgen.Generator]
}

func (g *fallbackGenerator) Generate(ctx context.Context, req textgen.Request) (string, error) {
	return resilience.ExecuteWithResult(g.group, func(p textgen.Generator) (string, error) {
		return p.Generate(ctx, req)
	})
}

var _ textgen.Generator = (*fallbackGenerator)(nil)
