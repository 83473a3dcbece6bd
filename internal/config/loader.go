package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper"},
	"tts":     {"coqui"},
	"vad":     {"energy"},
	"textgen": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "backend"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their documented
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.SilenceCeilingMs == 0 {
		cfg.Audio.SilenceCeilingMs = 500
	}
	if cfg.Audio.MinSpeechMs == 0 {
		cfg.Audio.MinSpeechMs = 250
	}
	if cfg.Audio.MaxBufferBytes == 0 {
		cfg.Audio.MaxBufferBytes = 10 << 20
	}
	if cfg.Session.DefaultMode == "" {
		cfg.Session.DefaultMode = ModeOral
	}
	if cfg.Session.CardLimit == 0 {
		cfg.Session.CardLimit = 20
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = "en"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %v must not be negative", cfg.Backend.Timeout))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("textgen", cfg.Providers.TextGen.Name)

	if cfg.Session.DefaultMode != "" && !cfg.Session.DefaultMode.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_mode %q is invalid; valid values: manual, oral, conversational", cfg.Session.DefaultMode))
	}
	if cfg.Session.DefaultMode == ModeConversational && cfg.Providers.TextGen.Name == "" {
		errs = append(errs, errors.New("session.default_mode conversational requires a textgen provider"))
	}
	if cfg.Session.CardLimit < 0 {
		errs = append(errs, fmt.Errorf("session.card_limit %d must not be negative", cfg.Session.CardLimit))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SpeechThreshold < 0 || cfg.Audio.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %.3f is out of range [0, 1]", cfg.Audio.SpeechThreshold))
	}
	if cfg.Audio.SilenceCeilingMs < 0 || cfg.Audio.MinSpeechMs < 0 {
		errs = append(errs, errors.New("audio.silence_ceiling_ms and audio.min_speech_ms must not be negative"))
	}
	if cfg.Audio.MaxBufferBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_buffer_bytes %d must not be negative", cfg.Audio.MaxBufferBytes))
	}

	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; session history will be kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
