package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, PatchModeRewrite, cfg.Proxy.PatchMode)
	assert.Equal(t, 3, cfg.Playback.BufferCapacity)
	assert.Equal(t, 3, cfg.Playback.InitRetryAttempts)
	assert.Equal(t, 3*time.Second, cfg.Playback.InitRetryStep)
	assert.Equal(t, 15*time.Second, cfg.Playback.InitFetchTimeout)
	assert.Equal(t, 3, cfg.Playback.SegmentRetries)
	assert.Equal(t, time.Second, cfg.Playback.SegmentRetryDelay)
	assert.Equal(t, 5*time.Millisecond, cfg.Playback.SinkPollInterval)
	assert.Equal(t, 30*time.Second, cfg.Playback.JitterReportPeriod)
	assert.Equal(t, "X-Plex-Token", cfg.Upstream.TokenHeader)
	assert.Equal(t, 30*time.Second, cfg.Upstream.FetchTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Debug.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
upstream:
  base_url: http://plex.local:32400
  token: abc123
proxy:
  patch_mode: rewrite+init
playback:
  buffer_capacity: 5
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://plex.local:32400", cfg.Upstream.BaseURL)
	assert.Equal(t, "abc123", cfg.Upstream.Token)
	assert.Equal(t, PatchModeRewriteWithInit, cfg.Proxy.PatchMode)
	assert.Equal(t, 5, cfg.Playback.BufferCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOVETAIL_PROXY_PATCH_MODE", "none")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, PatchModeNone, cfg.Proxy.PatchMode)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return &cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad patch mode",
			mutate:  func(c *Config) { c.Proxy.PatchMode = "sideways" },
			wantErr: "proxy.patch_mode",
		},
		{
			name:    "zero buffer capacity",
			mutate:  func(c *Config) { c.Playback.BufferCapacity = 0 },
			wantErr: "buffer_capacity",
		},
		{
			name:    "negative segment retries",
			mutate:  func(c *Config) { c.Playback.SegmentRetries = -1 },
			wantErr: "segment_retries",
		},
		{
			name: "bad debug port",
			mutate: func(c *Config) {
				c.Debug.Enabled = true
				c.Debug.Port = 70000
			},
			wantErr: "debug.port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDebugAddress(t *testing.T) {
	d := Debug{Host: "127.0.0.1", Port: 9000}
	assert.Equal(t, "127.0.0.1:9000", d.Address())
}
