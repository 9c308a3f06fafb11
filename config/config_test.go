package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Engine.MaxEventsPerRule)
	assert.Equal(t, time.Minute, cfg.Engine.AggregateInterval)
	assert.Equal(t, time.Minute, cfg.Engine.TrimInterval)
	assert.Equal(t, "./data/warden.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9477", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	content := `
engine:
  max_events_per_rule: 64
  trim_interval: 30s
storage:
  sqlite_path: ":memory:"
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Engine.MaxEventsPerRule)
	assert.Equal(t, 30*time.Second, cfg.Engine.TrimInterval)
	// unset keys keep their defaults
	assert.Equal(t, time.Minute, cfg.Engine.AggregateInterval)
	assert.Equal(t, ":memory:", cfg.Storage.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_ENGINE_MAX_EVENTS_PER_RULE", "128")
	t.Setenv("WARDEN_METRICS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Engine.MaxEventsPerRule)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max events", func(c *Config) { c.Engine.MaxEventsPerRule = 0 }},
		{"negative aggregate interval", func(c *Config) { c.Engine.AggregateInterval = -time.Second }},
		{"zero trim interval", func(c *Config) { c.Engine.TrimInterval = 0 }},
		{"empty sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
