package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known detector backend names per kind.
// Used by [Validate] to warn about unrecognised backends.
var ValidProviderNames = map[string][]string{
	"wake": {"energy", "mock"},
	"vad":  {"energy", "mock"},
}

// commonSampleRates are rates the bundled engines resample from without
// surprises. Anything else still loads but draws a warning.
var commonSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	} else if cfg.Audio.SampleRate != 0 && !slices.Contains(commonSampleRates, cfg.Audio.SampleRate) {
		slog.Warn("unusual audio sample rate; engines may resample poorly", "sample_rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}

	// Detector backend names are warnings, not errors, so out-of-tree
	// registrations keep working.
	validateProviderName("wake", cfg.Wake.Backend)
	validateProviderName("vad", cfg.VAD.Backend)

	// Wake
	if cfg.Wake.Threshold < 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %.2f is out of range [0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Wake.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("wake.frame_ms %d must not be negative", cfg.Wake.FrameMs))
	}

	// VAD
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range [0, 1]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SpeechThreshold != 0 && cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must not exceed vad.speech_threshold %.2f", cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.HangoverMs < 0 {
		errs = append(errs, fmt.Errorf("vad.hangover_ms %d must not be negative", cfg.VAD.HangoverMs))
	}
	if cfg.VAD.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d must not be negative", cfg.VAD.FrameMs))
	}

	// Session
	if s := cfg.Session.DefaultStrategy; s != "" && !slices.Contains(fsm.Strategies, s) {
		errs = append(errs, fmt.Errorf("session.default_strategy %q is invalid; valid values: batch, non_streaming_realtime, streaming_realtime", s))
	}
	if cfg.Session.SilenceWindowMs < 0 {
		errs = append(errs, fmt.Errorf("session.silence_window_ms %d must not be negative", cfg.Session.SilenceWindowMs))
	}
	if cfg.Session.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("session.pre_roll_ms %d must not be negative", cfg.Session.PreRollMs))
	}
	if cfg.Session.TailPadMs < 0 {
		errs = append(errs, fmt.Errorf("session.tail_pad_ms %d must not be negative", cfg.Session.TailPadMs))
	}
	if cfg.Session.StreamFrameMs < 0 {
		errs = append(errs, fmt.Errorf("session.stream_frame_ms %d must not be negative", cfg.Session.StreamFrameMs))
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout %d must not be negative", cfg.Session.IdleTimeout))
	}
	if cfg.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval %d must not be negative", cfg.Session.SweepInterval))
	}

	// Engines
	if len(cfg.Engines) == 0 {
		slog.Warn("no recognition engines configured; transcription will be unavailable")
	}
	providersSeen := make(map[asr.Type]int, len(cfg.Engines))
	for i, eng := range cfg.Engines {
		prefix := fmt.Sprintf("engines[%d]", i)
		if eng.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if _, err := asr.ParseType(string(eng.Provider)); err != nil {
			errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: whispercpp, funasr, openai, mock", prefix, eng.Provider))
		} else if prev, ok := providersSeen[eng.Provider]; ok {
			errs = append(errs, fmt.Errorf("%s.provider %q is a duplicate of engines[%d]", prefix, eng.Provider, prev))
		} else {
			providersSeen[eng.Provider] = i
		}

		if eng.PoolSize < 0 {
			errs = append(errs, fmt.Errorf("%s.pool_size %d must not be negative", prefix, eng.PoolSize))
		}
		if eng.MinSize < 0 {
			errs = append(errs, fmt.Errorf("%s.min_size %d must not be negative", prefix, eng.MinSize))
		}
		if eng.MinSize > 0 && eng.PoolSize > 0 && eng.MinSize > eng.PoolSize {
			errs = append(errs, fmt.Errorf("%s.min_size %d exceeds pool_size %d", prefix, eng.MinSize, eng.PoolSize))
		}
		if eng.SessionQuota < 0 {
			errs = append(errs, fmt.Errorf("%s.session_quota %d must not be negative", prefix, eng.SessionQuota))
		}
		if eng.AcquireTimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s.acquire_timeout_ms %d must not be negative", prefix, eng.AcquireTimeoutMs))
		}
		if eng.HealthInterval < 0 {
			errs = append(errs, fmt.Errorf("%s.health_interval %d must not be negative", prefix, eng.HealthInterval))
		}

		// Backend-specific requirements
		switch eng.Provider {
		case asr.TypeWhisperCPP:
			if eng.ModelPath == "" {
				errs = append(errs, fmt.Errorf("%s.model_path is required for provider whispercpp", prefix))
			}
		case asr.TypeFunASR:
			if eng.Endpoint == "" {
				errs = append(errs, fmt.Errorf("%s.endpoint is required for provider funasr", prefix))
			}
		case asr.TypeOpenAI:
			if eng.APIKey == "" && eng.BaseURL == "" {
				slog.Warn("openai engine has no api_key; requests to the default endpoint will be rejected", "engine", prefix)
			}
		}
	}

	// Fallback chains, checked after the provider set is complete.
	for i, eng := range cfg.Engines {
		if eng.Fallback == "" {
			continue
		}
		prefix := fmt.Sprintf("engines[%d]", i)
		if eng.Fallback == eng.Provider {
			errs = append(errs, fmt.Errorf("%s.fallback must name a different provider", prefix))
			continue
		}
		if _, ok := providersSeen[eng.Fallback]; !ok {
			errs = append(errs, fmt.Errorf("%s.fallback %q does not match any configured engine", prefix, eng.Fallback))
		}
	}

	// Strategy <-> engine cross-validation: a streaming default is useless
	// without an engine that can stream.
	if cfg.Session.DefaultStrategy == fsm.StrategyStreamingRealtime {
		if !hasStreamingEngine(cfg.Engines) {
			errs = append(errs, errors.New("session.default_strategy streaming_realtime requires a funasr or mock engine"))
		}
		if len(cfg.Wake.Phrases) == 0 {
			slog.Warn("no wake phrases configured; streaming sessions will confirm wake on energy alone")
		}
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == "" && cfg.Store.PostgresDSN != "" {
		slog.Warn("store.postgres_dsn is set but store.backend is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// hasStreamingEngine reports whether any configured engine supports
// incremental recognition.
func hasStreamingEngine(engines []EngineConfig) bool {
	for _, e := range engines {
		if e.Provider == asr.TypeFunASR || e.Provider == asr.TypeMock {
			return true
		}
	}
	return false
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
	slog.Warn("unknown detector backend; may be a typo or an out-of-tree registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
