package resilience

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemovox/mnemovox/pkg/audio"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
)

const (
	// minSilenceDuration is the floor for placeholder audio, so even a
	// one-word reply produces a perceptible pause.
	minSilenceDuration = time.Second

	// perWordDuration approximates speaking pace for sizing placeholder
	// audio from the text that failed to synthesize.
	perWordDuration = 400 * time.Millisecond
)

// SilentFallback decorates a tts.Synthesizer so synthesis never fails: when
// the wrapped synthesizer returns an error, the decorator substitutes silent
// placeholder PCM sized to the text's estimated speaking time and marks the
// result IsSilent. Clients render the text visually in that case.
type SilentFallback struct {
	// Synthesizer is the real backend. Required.
	Synthesizer tts.Synthesizer

	// SampleRate is the rate of placeholder audio. Defaults to
	// tts.DefaultSampleRate when zero.
	SampleRate int
}

// Synthesize implements tts.Synthesizer. The only error it can return is
// ctx's, so a cancelled session still unwinds promptly.
func (f *SilentFallback) Synthesize(ctx context.Context, text string) (tts.Result, error) {
	res, err := f.Synthesizer.Synthesize(ctx, text)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return tts.Result{}, ctx.Err()
	}

	slog.Warn("synthesis failed, substituting silent audio", "error", err)
	return f.placeholder(text), nil
}

// placeholder builds silent PCM lasting max(1s, 400ms per word).
func (f *SilentFallback) placeholder(text string) tts.Result {
	rate := f.SampleRate
	if rate <= 0 {
		rate = tts.DefaultSampleRate
	}
	d := time.Duration(len(strings.Fields(text))) * perWordDuration
	if d < minSilenceDuration {
		d = minSilenceDuration
	}
	pcm := audio.Silence(d, rate)
	return tts.Result{
		PCM:        pcm,
		SampleRate: rate,
		Duration:   audio.Duration(pcm, rate),
		IsSilent:   true,
	}
}

// Ensure SilentFallback implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*SilentFallback)(nil)
