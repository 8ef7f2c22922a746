package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vincentbai/domspy-agent/internal/redaction"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, redaction.DefaultKeys, cfg.Capture.RedactKeys)
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.ThrottleInterval)
	assert.Equal(t, 0.01, cfg.Capture.MouseSampleRate)
	assert.Equal(t, 500, cfg.Capture.PreviewLength)
	assert.Equal(t, 10, cfg.Capture.MaxMutations)
	assert.Equal(t, BuffersConfig{Events: 10000, Network: 2000, Mutations: 1000}, cfg.Buffers)
	assert.Equal(t, 5*time.Second, cfg.Analysis.Interval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Analysis.CorrelationWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Analysis.Decay)
	assert.Equal(t, 1.5, cfg.Analysis.Boost)
	assert.Equal(t, 5, cfg.Analysis.ErrorThreshold)
	assert.Equal(t, 3*time.Second, cfg.Analysis.SlowThreshold)
	assert.True(t, cfg.Consent.Required)
	assert.False(t, cfg.Consent.Granted)
	assert.Equal(t, "127.0.0.1:8123", cfg.Server.Address)
	assert.Equal(t, "events.db", filepath.Base(cfg.Snapshots.Path))
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "domspy.snapshots", cfg.NATS.Subject)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DOMSPY_SERVER_ADDRESS", "0.0.0.0:9000")
	t.Setenv("DOMSPY_ANALYSIS_INTERVAL", "250ms")
	t.Setenv("DOMSPY_CONSENT_REQUIRED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Analysis.Interval)
	assert.False(t, cfg.Consent.Required)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domspy.yaml")
	content := []byte(`
capture:
  redact_keys: [secret, session]
  throttle_interval: 50ms
buffers:
  events: 5
nats:
  enabled: true
  url: nats://broker:4222
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"secret", "session"}, cfg.Capture.RedactKeys)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.ThrottleInterval)
	assert.Equal(t, 5, cfg.Buffers.Events)
	assert.Equal(t, 2000, cfg.Buffers.Network, "unset keys keep defaults")
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: : :"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "sample rate above one", mutate: func(c *Config) { c.Capture.MouseSampleRate = 1.5 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Buffers.Network = 0 }, wantErr: true},
		{name: "zero interval", mutate: func(c *Config) { c.Analysis.Interval = 0 }, wantErr: true},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "nats without subject", mutate: func(c *Config) { c.NATS.Enabled = true; c.NATS.Subject = "" }, wantErr: true},
		{name: "zero throttle allowed", mutate: func(c *Config) { c.Capture.ThrottleInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Dump(&buf))

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "127.0.0.1:8123", out["server"]["address"])
	assert.Equal(t, "5s", out["analysis"]["interval"])
}
