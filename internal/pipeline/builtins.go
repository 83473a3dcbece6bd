package pipeline

import (
	"errors"
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mnemovox/mnemovox/internal/config"
	"github.com/mnemovox/mnemovox/pkg/provider/stt"
	"github.com/mnemovox/mnemovox/pkg/provider/stt/whisper"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen/anyllm"
	"github.com/mnemovox/mnemovox/pkg/provider/textgen/openai"
	"github.com/mnemovox/mnemovox/pkg/provider/tts"
	"github.com/mnemovox/mnemovox/pkg/provider/tts/coqui"
	"github.com/mnemovox/mnemovox/pkg/provider/vad"
	"github.com/mnemovox/mnemovox/pkg/provider/vad/energy"
)

// anyllmProviders are the textgen provider names routed through any-llm-go.
// OpenAI has its own factory using the official SDK.
var anyllmProviders = []string{
	"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile",
}

// DefaultRegistry returns a provider registry with all built-in provider
// factories registered.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	RegisterBuiltins(reg)
	return reg
}

// RegisterBuiltins registers the built-in provider factories on reg:
// whisper for STT, coqui for TTS, energy for VAD, and the OpenAI SDK plus
// the any-llm-go providers for text generation.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterSTT("whisper", newWhisper)
	reg.RegisterTTS("coqui", newCoqui)
	reg.RegisterVAD("energy", newEnergy)
	reg.RegisterTextGen("openai", newOpenAI)
	for _, name := range anyllmProviders {
		reg.RegisterTextGen(name, newAnyLLM(name))
	}
}

func newWhisper(entry config.ProviderEntry) (stt.Transcriber, error) {
	if entry.Model == "" {
		return nil, errors.New("pipeline: whisper provider requires model (path to a ggml file)")
	}
	var opts []whisper.Option
	if lang, ok := stringOption(entry.Options, "language"); ok {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	return whisper.New(entry.Model, opts...)
}

func newCoqui(entry config.ProviderEntry) (tts.Synthesizer, error) {
	if entry.BaseURL == "" {
		return nil, errors.New("pipeline: coqui provider requires base_url")
	}
	var opts []coqui.Option
	if lang, ok := stringOption(entry.Options, "language"); ok {
		opts = append(opts, coqui.WithLanguage(lang))
	}
	if voice, ok := stringOption(entry.Options, "voice"); ok {
		opts = append(opts, coqui.WithVoice(voice))
	}
	if mode, ok := stringOption(entry.Options, "api_mode"); ok {
		switch coqui.APIMode(mode) {
		case coqui.APIModeXTTS, coqui.APIModeStandard:
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		default:
			return nil, fmt.Errorf("pipeline: unknown coqui api_mode %q", mode)
		}
	}
	if rate, ok := floatOption(entry.Options, "output_sample_rate"); ok {
		opts = append(opts, coqui.WithOutputSampleRate(int(rate)))
	}
	return coqui.New(entry.BaseURL, opts...)
}

func newEnergy(entry config.ProviderEntry) (vad.Detector, error) {
	var opts []energy.Option
	if threshold, ok := floatOption(entry.Options, "speech_threshold"); ok {
		opts = append(opts, energy.WithSpeechThreshold(threshold))
	}
	return energy.New(opts...), nil
}

func newOpenAI(entry config.ProviderEntry) (textgen.Generator, error) {
	if entry.Model == "" {
		return nil, errors.New("pipeline: openai provider requires model")
	}
	var opts []openai.Option
	if entry.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	}
	return openai.New(entry.APIKey, entry.Model, opts...)
}

func newAnyLLM(provider string) func(config.ProviderEntry) (textgen.Generator, error) {
	return func(entry config.ProviderEntry) (textgen.Generator, error) {
		if entry.Model == "" {
			return nil, fmt.Errorf("pipeline: %s provider requires model", provider)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(provider, entry.Model, opts...)
	}
}

// stringOption reads a string value from a provider options map.
func stringOption(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// floatOption reads a numeric value from a provider options map. YAML
// decodes whole numbers as int, so both forms are accepted.
func floatOption(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
