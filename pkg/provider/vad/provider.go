// Package vad defines the Detector interface for voice activity probes.
//
// A detector answers one question about a short window of audio: does it
// contain speech? The capture pipeline calls it once per probe window to
// decide when an utterance starts and ends; it never sees the full stream.
// Stateful backends (model-based detectors keeping smoothing history) should
// document whether a single Detector may be shared across streams.
//
// Detection is synchronous by design: IsSpeech returns immediately, making
// it suitable for the low-latency segmentation loop that gates STT input.
package vad

// Config holds the parameters for a detector. Numeric thresholds are
// expressed in the backend's native scale; see each implementation for
// recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM windows passed to IsSpeech. Common values: 8000, 16000, 48000.
	SampleRate int

	// SpeechThreshold is the level above which a window is classified as
	// speech. For energy detectors this is normalized RMS in [0.0, 1.0].
	SpeechThreshold float64
}

// Detector classifies a window of audio as speech or silence.
//
// IsSpeech receives raw little-endian mono PCM16 at the configured sample
// rate. The window length is chosen by the caller; detectors must tolerate
// varying window sizes. An error indicates the detector itself failed, not
// that the window was silent.
type Detector interface {
	IsSpeech(pcm []byte) (bool, error)
}
