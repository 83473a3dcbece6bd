// Package mock provides test doubles for the tts package interfaces.
//
// Use Synthesizer to script synthesis results and inspect the text that was
// submitted.
//
// Example:
//
//	syn := &mock.Synthesizer{Result: tts.Result{PCM: pcm, SampleRate: 24000}}
//	res, _ := syn.Synthesize(ctx, "Correct!")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mnemovox/mnemovox/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	// Text is the string passed to Synthesize.
	Text string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Result is returned by every Synthesize call. If its SampleRate is
	// zero, tts.DefaultSampleRate is filled in.
	Result tts.Result

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// Delay, if non-zero, makes Synthesize sleep before returning, honoring
	// ctx cancellation. Useful for timeout tests.
	Delay time.Duration

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Result, SynthesizeErr.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Result, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text})
	res := s.Result
	err := s.SynthesizeErr
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Result{}, err
	}
	if res.SampleRate == 0 {
		res.SampleRate = tts.DefaultSampleRate
	}
	return res, nil
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Synthesizer) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
