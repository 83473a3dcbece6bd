// Package energy implements an RMS-energy voice activity detector.
//
// It is a pure-Go fallback for deployments without a model-based VAD: a
// window counts as speech when its normalized RMS amplitude exceeds a
// threshold. Hysteresis is applied so a brief dip below the threshold during
// active speech does not immediately flip the classification.
package energy

import (
	"fmt"
	"sync"

	"github.com/mnemovox/mnemovox/pkg/audio"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

const (
	// DefaultSpeechThreshold is the normalized RMS level above which a window
	// counts as speech. Tuned for 16kHz mic capture at typical gain.
	DefaultSpeechThreshold = 0.015

	// silenceRatio scales the speech threshold down for the release side of
	// the hysteresis loop.
	silenceRatio = 0.5
)

// Detector classifies windows by RMS energy with hysteresis. Safe for
// concurrent use, though the hysteresis state is shared; use one Detector
// per audio stream for independent classification.
type Detector struct {
	mu               sync.Mutex
	speechThreshold  float64
	silenceThreshold float64
	inSpeech         bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithSpeechThreshold overrides the normalized RMS level at which a window
// counts as speech.
func WithSpeechThreshold(t float64) Option {
	return func(d *Detector) {
		d.speechThreshold = t
		d.silenceThreshold = t * silenceRatio
	}
}

// New creates an energy detector with default thresholds.
func New(opts ...Option) *Detector {
	d := &Detector{
		speechThreshold:  DefaultSpeechThreshold,
		silenceThreshold: DefaultSpeechThreshold * silenceRatio,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsSpeech reports whether the window's RMS energy crosses the speech
// threshold. While in speech, the lower silence threshold applies, so the
// detector releases only when the level drops well below the attack level.
func (d *Detector) IsSpeech(pcm []byte) (bool, error) {
	if len(pcm)%audio.BytesPerSample != 0 {
		return false, fmt.Errorf("energy: odd byte count %d in PCM window", len(pcm))
	}
	level := audio.RMS(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inSpeech {
		if level < d.silenceThreshold {
			d.inSpeech = false
		}
	} else {
		if level >= d.speechThreshold {
			d.inSpeech = true
		}
	}
	return d.inSpeech, nil
}

// Reset clears the hysteresis state. Use when the audio stream restarts.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inSpeech = false
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
