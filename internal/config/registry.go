package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mnemovox/mnemovox/pkg/provider/stt"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(ProviderEntry) (stt.Transcriber, error)
	tts     map[string]func(ProviderEntry) (tts.Synthesizer, error)
	vad     map[string]func(ProviderEntry) (vad.Detector, error)
	textgen map[string]func(ProviderEntry) (textgen.Generator, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		tts:     make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
		vad:     make(map[string]func(ProviderEntry) (vad.Detector, error)),
		textgen: make(map[string]func(ProviderEntry) (textgen.Generator, error)),
	}
}

// RegisterSTT registers a speech-to-text factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a text-to-speech factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a voice-activity-detector factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterTextGen registers a text-generation factory under name.
func (r *Registry) RegisterTextGen(name string, factory func(ProviderEntry) (textgen.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textgen[name] = factory
}

// CreateSTT instantiates a transcriber using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a detector using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Detector, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTextGen instantiates a generator using the factory registered under entry.Name.
func (r *Registry) CreateTextGen(entry ProviderEntry) (textgen.Generator, error) {
	r.mu.RLock()
	factory, ok := r.textgen[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: textgen/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
