// Package whisper implements stt.Transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/mnemovox/mnemovox/pkg/audio"
	"github.com/mnemovox/mnemovox/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// whisperSampleRate is the rate whisper.cpp models are trained on.
	// Utterances at other rates are resampled before inference.
	whisperSampleRate = 16000
)

// Provider implements stt.Transcriber using whisper.cpp Go bindings (CGO),
// eliminating HTTP overhead entirely. The model is loaded once at startup
// and shared across all transcription calls.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en". Per-call Config.Language takes
// precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The model is loaded once and shared across all concurrent
// calls. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over one utterance. Each call
// creates its own whisper context from the shared model, so concurrent calls
// do not interfere. Silence comes back as an empty transcript, not an error.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	duration := audio.Duration(pcm, sr)
	if sr != whisperSampleRate {
		pcm = audio.ResampleMono16(pcm, sr, whisperSampleRate)
	}
	samples := audio.DecodeFloat32(pcm)

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return stt.Result{
		Text:     strings.Join(parts, " "),
		Language: lang,
		Duration: duration,
	}, nil
}

// Compile-time assertion that Provider satisfies stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)
