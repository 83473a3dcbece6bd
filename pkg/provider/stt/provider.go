// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// Unlike a streaming recognizer, a Transcriber works on whole utterances: the
// capture pipeline segments the microphone stream first and hands each closed
// segment over as one buffer. This keeps the provider contract small and lets
// local models (whisper.cpp) and remote APIs share an interface.
//
// Implementations must be safe for concurrent use; review sessions on
// different connections may transcribe simultaneously.
package stt

import (
	"context"
	"time"
)

// Config describes the audio format and recognition hints for a single
// transcription call.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Utterances arrive as
	// little-endian mono PCM16 at this rate. Defaults to 16000 when zero.
	SampleRate int

	// Language is the BCP-47 language code for recognition (e.g., "en",
	// "de"). An empty string lets the provider auto-detect, if supported.
	Language string
}

// Result is the outcome of one transcription call.
type Result struct {
	// Text is the recognized transcript with surrounding whitespace removed.
	// Silence or unintelligible audio yields an empty Text, never an error;
	// an error means the provider itself failed.
	Text string

	// Language is the language the provider detected or was configured with.
	Language string

	// Duration is the playback length of the transcribed audio.
	Duration time.Duration
}

// Transcriber converts one utterance of PCM audio into text.
type Transcriber interface {
	// Transcribe runs recognition over pcm and blocks until the transcript
	// is ready or ctx is done.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (Result, error)
}
