// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the Vocalis relay.
package config

import (
	"time"

	"github.com/maelstrand/vocalis/internal/persona"
	"github.com/maelstrand/vocalis/pkg/audio"
)

// LogLevel controls log verbosity for the Vocalis server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Vocalis.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Upstream UpstreamConfig    `yaml:"upstream"`
	Audio    AudioConfig       `yaml:"audio"`
	Personas []persona.Persona `yaml:"personas"`
}

// ServerConfig holds network and logging settings for the Vocalis server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig selects and configures the speech backend. An empty Name
// runs the relay in degraded mode: persona selection still works, chat gets
// deterministic fallback replies, and audio frames are dropped.
type UpstreamConfig struct {
	// Name selects the registered backend implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend. Supports ${ENV_VAR}
	// expansion so secrets stay out of the config file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default WebSocket endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g.,
	// "gpt-4o-realtime-preview").
	Model string `yaml:"model"`
}

// AudioConfig holds the PCM pipeline parameters.
type AudioConfig struct {
	// SampleRate is the pipeline sample rate in Hz. Defaults to
	// [audio.DefaultSampleRate] (24000).
	SampleRate int `yaml:"sample_rate"`

	// ChunkThreshold is the encoder emission threshold in bytes. Must be even.
	// Defaults to [audio.DefaultChunkThreshold] (48000, one second at 24 kHz).
	ChunkThreshold int `yaml:"chunk_threshold"`

	// IdleTimeout closes an upstream session that has seen no inbound audio or
	// text for this long. Defaults to 5 minutes. Zero keeps the default;
	// negative disables the watchdog.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// EffectiveSampleRate returns the configured sample rate or the default.
func (a AudioConfig) EffectiveSampleRate() int {
	if a.SampleRate > 0 {
		return a.SampleRate
	}
	return audio.DefaultSampleRate
}

// EffectiveChunkThreshold returns the configured threshold or the default.
func (a AudioConfig) EffectiveChunkThreshold() int {
	if a.ChunkThreshold > 0 {
		return a.ChunkThreshold
	}
	return audio.DefaultChunkThreshold
}

// EffectiveIdleTimeout returns the configured idle timeout, the default for
// zero, or 0 (disabled) for negative values.
func (a AudioConfig) EffectiveIdleTimeout() time.Duration {
	switch {
	case a.IdleTimeout > 0:
		return a.IdleTimeout
	case a.IdleTimeout < 0:
		return 0
	default:
		return 5 * time.Minute
	}
}

// Catalog builds the persona catalog from cfg. An empty personas list yields
// the built-in default catalog.
func (c *Config) Catalog() (*persona.Catalog, error) {
	if len(c.Personas) == 0 {
		return persona.Default(), nil
	}
	return persona.NewCatalog(c.Personas)
}
