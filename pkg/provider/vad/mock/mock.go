// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to script IsSpeech answers per window and inspect the windows
// that were probed.
//
// Example:
//
//	det := &mock.Detector{Results: []bool{false, true, true, false}}
//	seg := segment.New(det)
package mock

import (
	"sync"

	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

// IsSpeechCall records a single invocation of Detector.IsSpeech.
type IsSpeechCall struct {
	// PCM is a copy of the bytes passed to IsSpeech.
	PCM []byte
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Results are consumed one per IsSpeech call. When exhausted, the last
	// entry repeats; an empty slice yields false.
	Results []bool

	// Func, if set, overrides Results and computes the answer per window.
	Func func(pcm []byte) (bool, error)

	// IsSpeechErr, if non-nil, is returned by every IsSpeech call.
	IsSpeechErr error

	// IsSpeechCalls records every call to IsSpeech in order.
	IsSpeechCalls []IsSpeechCall

	next int
}

// IsSpeech records the call and returns the next scripted result.
func (d *Detector) IsSpeech(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.IsSpeechCalls = append(d.IsSpeechCalls, IsSpeechCall{PCM: cp})
	if d.Func != nil {
		return d.Func(pcm)
	}
	if d.IsSpeechErr != nil {
		return false, d.IsSpeechErr
	}
	if len(d.Results) == 0 {
		return false, nil
	}
	i := d.next
	if i >= len(d.Results) {
		i = len(d.Results) - 1
	}
	d.next++
	return d.Results[i], nil
}

// ResetCalls clears all recorded call history and result position. Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IsSpeechCalls = nil
	d.next = 0
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
