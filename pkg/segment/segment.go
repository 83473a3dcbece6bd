// Package segment turns a continuous microphone stream into discrete
// utterances using a voice activity probe.
//
// The segmenter accumulates incoming PCM into a pending buffer. Once the
// pending buffer holds at least one probe window (100ms by default) it asks
// the detector whether the most recent window contains speech. On speech the
// whole pending buffer moves into the current utterance; on silence outside
// an utterance the pending buffer is dropped, so only audio captured since
// the previous probe can precede the trigger. During an utterance, silent
// windows are retained and a silence counter runs from the last
// speech-positive probe; when it reaches the ceiling (500ms by default) the
// utterance is closed and returned, provided its speech windows exceed the
// minimum floor (250ms by default). Shorter bursts are discarded as noise.
package segment

import (
	"fmt"
	"time"

	"github.com/mnemovox/mnemovox/pkg/audio"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

const (
	// DefaultSampleRate is the capture rate the segmenter assumes unless
	// configured otherwise.
	DefaultSampleRate = 16000

	// DefaultProbeWindow is how much trailing audio each VAD probe inspects.
	DefaultProbeWindow = 100 * time.Millisecond

	// DefaultSilenceCeiling is the accumulated in-utterance silence after
	// which the utterance is considered finished.
	DefaultSilenceCeiling = 500 * time.Millisecond

	// DefaultMinSpeech is the floor below which a closed utterance is
	// discarded as noise.
	DefaultMinSpeech = 250 * time.Millisecond
)

// Utterance is a closed speech segment ready for transcription.
type Utterance struct {
	// PCM is little-endian mono PCM16 at the segmenter's sample rate. It
	// includes the silence tail that closed the segment.
	PCM []byte

	// Duration is the playback length of PCM.
	Duration time.Duration
}

// Segmenter detects utterance boundaries in a PCM16 stream. Not safe for
// concurrent use; the websocket read loop owns it.
type Segmenter struct {
	det vad.Detector

	sampleRate     int
	probeBytes     int
	silenceBytes   int
	minSpeechBytes int

	pending  []byte
	speech   []byte
	speaking bool
	voiced   int // bytes consumed by speech-positive probes
	silence  int // bytes of silence since the last speech-positive probe
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithSampleRate sets the capture sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Segmenter) { s.sampleRate = rate }
}

// WithSilenceCeiling sets how much accumulated silence closes an utterance.
func WithSilenceCeiling(d time.Duration) Option {
	return func(s *Segmenter) { s.silenceBytes = s.durationBytes(d) }
}

// WithMinSpeech sets the floor below which closed utterances are discarded.
func WithMinSpeech(d time.Duration) Option {
	return func(s *Segmenter) { s.minSpeechBytes = s.durationBytes(d) }
}

// New creates a Segmenter probing with det.
func New(det vad.Detector, opts ...Option) *Segmenter {
	s := &Segmenter{
		det:        det,
		sampleRate: DefaultSampleRate,
	}
	// Rate-dependent defaults resolve after options so WithSampleRate can
	// come in any position.
	var rateOpts []Option
	for _, opt := range opts {
		opt(s)
		rateOpts = append(rateOpts, opt)
	}
	s.probeBytes = s.durationBytes(DefaultProbeWindow)
	s.silenceBytes = s.durationBytes(DefaultSilenceCeiling)
	s.minSpeechBytes = s.durationBytes(DefaultMinSpeech)
	for _, opt := range rateOpts {
		opt(s)
	}
	return s
}

func (s *Segmenter) durationBytes(d time.Duration) int {
	samples := int(d.Seconds() * float64(s.sampleRate))
	return samples * audio.BytesPerSample
}

// Speaking reports whether the segmenter is currently inside an utterance.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Feed appends a chunk of PCM16 to the stream and runs at most one VAD probe.
// It returns a non-nil Utterance when the chunk closed a speech segment that
// meets the minimum speech floor. A detector failure is returned as an error
// with all buffered audio intact; the caller may keep feeding.
func (s *Segmenter) Feed(chunk []byte) (*Utterance, error) {
	if len(chunk)%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("segment: odd byte count %d in PCM chunk", len(chunk))
	}
	s.pending = append(s.pending, chunk...)

	if len(s.pending) < s.probeBytes {
		return nil, nil
	}

	window := s.pending[len(s.pending)-s.probeBytes:]
	isSpeech, err := s.det.IsSpeech(window)
	if err != nil {
		return nil, fmt.Errorf("segment: probe failed: %w", err)
	}

	if isSpeech {
		// A pause inside an utterance stops counting the moment speech
		// resumes.
		s.speaking = true
		s.silence = 0
		s.voiced += len(s.pending)
		s.consumePending()
		return nil, nil
	}

	if !s.speaking {
		// Silence before an utterance is dropped; only audio captured
		// since the previous probe can precede the trigger window.
		s.pending = s.pending[:0]
		return nil, nil
	}

	s.silence += len(s.pending)
	s.consumePending()

	if s.silence < s.silenceBytes {
		return nil, nil
	}
	return s.close(), nil
}

// Flush closes any in-progress utterance at end of stream. Pending audio that
// never probed as speech is dropped. Returns nil when the speech-positive
// audio is under the minimum floor.
func (s *Segmenter) Flush() *Utterance {
	return s.close()
}

// Reset drops all buffered audio and detection state.
func (s *Segmenter) Reset() {
	s.pending = nil
	s.speech = nil
	s.speaking = false
	s.voiced = 0
	s.silence = 0
}

func (s *Segmenter) consumePending() {
	s.speech = append(s.speech, s.pending...)
	s.pending = s.pending[:0]
}

func (s *Segmenter) close() *Utterance {
	var utt *Utterance
	// The floor counts only speech-positive audio; the retained silence
	// tail never promotes a noise burst past it.
	if s.voiced > s.minSpeechBytes {
		pcm := make([]byte, len(s.speech))
		copy(pcm, s.speech)
		utt = &Utterance{
			PCM:      pcm,
			Duration: audio.Duration(pcm, s.sampleRate),
		}
	}
	s.speech = s.speech[:0]
	s.speaking = false
	s.voiced = 0
	s.silence = 0
	return utt
}
