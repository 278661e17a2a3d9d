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

// ValidUpstreamNames lists known speech backend names. Used by [Validate] to
// warn about unrecognised names (they may be typos or third-party backends
// registered at runtime).
var ValidUpstreamNames = []string{"openai-realtime"}

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

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// in the upstream API key, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.Upstream.APIKey = os.Expand(cfg.Upstream.APIKey, os.Getenv)

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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Upstream
	if cfg.Upstream.Name != "" {
		if !slices.Contains(ValidUpstreamNames, cfg.Upstream.Name) {
			slog.Warn("unknown upstream name, may be a typo or third-party backend",
				"name", cfg.Upstream.Name,
				"known", ValidUpstreamNames,
			)
		}
		if cfg.Upstream.APIKey == "" {
			errs = append(errs, fmt.Errorf("upstream.api_key is required when upstream %q is configured", cfg.Upstream.Name))
		}
	} else {
		slog.Warn("no upstream configured; relay will serve deterministic fallback responses only")
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.ChunkThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_threshold %d must be positive", cfg.Audio.ChunkThreshold))
	}
	if cfg.Audio.ChunkThreshold > 0 && cfg.Audio.ChunkThreshold%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_threshold %d must be even so chunks never split a sample", cfg.Audio.ChunkThreshold))
	}

	// Personas: duplicate id detection and required fields.
	idsSeen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of personas[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if p.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		if p.Voice == "" {
			errs = append(errs, fmt.Errorf("%s.voice is required", prefix))
		}
	}

	return errors.Join(errs...)
}
