// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g., a local Coqui server,
// ElevenLabs, or Google Cloud TTS). Review sessions speak one reply at a
// time, so the contract is batch: one call per utterance, returning the
// complete PCM buffer. The session layer wraps providers in a silent
// fallback so a synthesis failure never interrupts a review.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"
)

// DefaultSampleRate is the synthesis output rate the session protocol
// advertises to clients.
const DefaultSampleRate = 24000

// Result is the outcome of one synthesis call.
type Result struct {
	// PCM is little-endian mono PCM16 at SampleRate.
	PCM []byte

	// SampleRate is the rate of PCM in Hz.
	SampleRate int

	// Duration is the playback length of PCM.
	Duration time.Duration

	// IsSilent marks placeholder audio produced by a fallback when the real
	// synthesis failed. Clients may skip playback and show text instead.
	IsSilent bool
}

// Synthesizer converts one text utterance into speech audio.
type Synthesizer interface {
	// Synthesize renders text and blocks until the audio is ready or ctx is
	// done.
	Synthesize(ctx context.Context, text string) (Result, error)
}
