// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to script transcription results and inspect the audio that
// was submitted.
//
// Example:
//
//	tr := &mock.Transcriber{Result: stt.Result{Text: "la pomme"}}
//	got, _ := tr.Transcribe(ctx, pcm, stt.Config{SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/mnemovox/mnemovox/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the bytes passed to Transcribe.
	PCM []byte

	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call unless Results is set.
	Result stt.Result

	// Results, if non-empty, are consumed one per call; the last entry
	// repeats once exhausted.
	Results []stt.Result

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{PCM: cp, Cfg: cfg})
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if t.TranscribeErr != nil {
		return stt.Result{}, t.TranscribeErr
	}
	if len(t.Results) > 0 {
		i := t.next
		if i >= len(t.Results) {
			i = len(t.Results) - 1
		}
		t.next++
		return t.Results[i], nil
	}
	return t.Result, nil
}

// ResetCalls clears all recorded call history and result position. Thread-safe.
func (t *Transcriber) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.next = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
