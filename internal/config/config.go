// Package config provides configuration management for dovetail using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultFetchTimeout       = 30 * time.Second
	defaultInitFetchTimeout   = 15 * time.Second
	defaultInitRetryAttempts  = 3
	defaultInitRetryStep      = 3 * time.Second
	defaultSegmentRetries     = 3
	defaultSegmentRetryDelay  = 1 * time.Second
	defaultBufferCapacity     = 3
	defaultSinkPollInterval   = 5 * time.Millisecond
	defaultJitterReportPeriod = 30 * time.Second
	defaultDriftAlertPercent  = 5.0
	defaultDebugPort          = 8417
	defaultShutdownTimeout    = 10 * time.Second
)

// PatchMode selects how the master playlist and init segment are rewritten.
type PatchMode string

// Patch modes. Only PatchModeRewrite is exercised in the default
// configuration; the others exist for testing alternate strategies.
const (
	// PatchModeRewrite rewrites dvh1.* codec tags in the master playlist to
	// an HEVC identifier and leaves media bytes untouched.
	PatchModeRewrite PatchMode = "rewrite"

	// PatchModeNone passes the playlist through unmodified (diagnostic).
	PatchModeNone PatchMode = "none"

	// PatchModeRewriteWithInit rewrites the playlist and additionally patches
	// the init segment's hvc1 sample entry back to dvh1.
	PatchModeRewriteWithInit PatchMode = "rewrite+init"
)

// Config holds all configuration for the application.
type Config struct {
	Upstream Upstream `mapstructure:"upstream"`
	Proxy    Proxy    `mapstructure:"proxy"`
	Playback Playback `mapstructure:"playback"`
	Debug    Debug    `mapstructure:"debug"`
	Logging  Logging  `mapstructure:"logging"`
}

// Upstream holds origin media-server configuration.
type Upstream struct {
	// BaseURL is the origin server, e.g. http://plex.local:32400.
	BaseURL string `mapstructure:"base_url"`

	// Token is the bearer/auth token added to every upstream request.
	Token string `mapstructure:"token"`

	// TokenHeader is the header name carrying the token.
	TokenHeader string `mapstructure:"token_header"`

	// ClientHeaders are forwarded verbatim on every upstream request.
	ClientHeaders map[string]string `mapstructure:"client_headers"`

	// FetchTimeout bounds every playlist/segment fetch.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// Proxy holds codec-patching reverse proxy configuration.
type Proxy struct {
	// PatchMode selects the master playlist / init segment patch strategy.
	PatchMode PatchMode `mapstructure:"patch_mode"`

	// Port pins the loopback listener; 0 asks the OS for an ephemeral port.
	Port int `mapstructure:"port"`

	// UpstreamTimeout bounds each forwarded request.
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// Playback holds feeding-pipeline configuration.
type Playback struct {
	// BufferCapacity is the bounded segment buffer size.
	BufferCapacity int `mapstructure:"buffer_capacity"`

	// InitRetryAttempts is the retry budget for the init segment fetch.
	InitRetryAttempts int `mapstructure:"init_retry_attempts"`

	// InitRetryStep is the linear backoff step for init fetches (3s, 6s, 9s).
	InitRetryStep time.Duration `mapstructure:"init_retry_step"`

	// InitFetchTimeout bounds a single init segment attempt.
	InitFetchTimeout time.Duration `mapstructure:"init_fetch_timeout"`

	// SegmentRetries is the per-segment download retry budget.
	SegmentRetries int `mapstructure:"segment_retries"`

	// SegmentRetryDelay is the initial exponential backoff delay (1s, 2s, 4s).
	SegmentRetryDelay time.Duration `mapstructure:"segment_retry_delay"`

	// SinkPollInterval is how often sink readiness is polled while feeding.
	SinkPollInterval time.Duration `mapstructure:"sink_poll_interval"`

	// JitterReportPeriod is how often diagnostics reports are emitted.
	JitterReportPeriod time.Duration `mapstructure:"jitter_report_period"`

	// DriftAlertPercent flags renderer clock drift beyond this percentage.
	DriftAlertPercent float64 `mapstructure:"drift_alert_percent"`
}

// Debug holds the status/debug HTTP API configuration.
type Debug struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Logging holds logging configuration.
type Logging struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with DOVETAIL_, using underscores for nesting.
// Example: DOVETAIL_UPSTREAM_BASE_URL=http://plex.local:32400.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dovetail")
		v.AddConfigPath("$HOME/.dovetail")
	}

	v.SetEnvPrefix("DOVETAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("upstream.token_header", "X-Plex-Token")
	v.SetDefault("upstream.fetch_timeout", defaultFetchTimeout)

	v.SetDefault("proxy.patch_mode", string(PatchModeRewrite))
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.upstream_timeout", defaultFetchTimeout)

	v.SetDefault("playback.buffer_capacity", defaultBufferCapacity)
	v.SetDefault("playback.init_retry_attempts", defaultInitRetryAttempts)
	v.SetDefault("playback.init_retry_step", defaultInitRetryStep)
	v.SetDefault("playback.init_fetch_timeout", defaultInitFetchTimeout)
	v.SetDefault("playback.segment_retries", defaultSegmentRetries)
	v.SetDefault("playback.segment_retry_delay", defaultSegmentRetryDelay)
	v.SetDefault("playback.sink_poll_interval", defaultSinkPollInterval)
	v.SetDefault("playback.jitter_report_period", defaultJitterReportPeriod)
	v.SetDefault("playback.drift_alert_percent", defaultDriftAlertPercent)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.host", "127.0.0.1")
	v.SetDefault("debug.port", defaultDebugPort)
	v.SetDefault("debug.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Proxy.PatchMode {
	case PatchModeRewrite, PatchModeNone, PatchModeRewriteWithInit:
	default:
		return fmt.Errorf("proxy.patch_mode must be one of: rewrite, none, rewrite+init")
	}

	if c.Playback.BufferCapacity < 1 {
		return fmt.Errorf("playback.buffer_capacity must be at least 1")
	}
	if c.Playback.SegmentRetries < 0 {
		return fmt.Errorf("playback.segment_retries must not be negative")
	}
	if c.Playback.DriftAlertPercent <= 0 {
		return fmt.Errorf("playback.drift_alert_percent must be positive")
	}

	const maxPort = 65535
	if c.Proxy.Port < 0 || c.Proxy.Port > maxPort {
		return fmt.Errorf("proxy.port must be between 0 and %d", maxPort)
	}
	if c.Debug.Enabled && (c.Debug.Port < 1 || c.Debug.Port > maxPort) {
		return fmt.Errorf("debug.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// DebugAddress returns the debug server address in host:port format.
func (c *Debug) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
