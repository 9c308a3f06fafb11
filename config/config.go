package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Warden engine process
type Config struct {
	Engine struct {
		// MaxEventsPerRule bounds each aggregation rule's tracker
		MaxEventsPerRule int `mapstructure:"max_events_per_rule"`
		// AggregateInterval is how often aggregate producers are invoked
		AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
		// TrimInterval is how often time-expired tracker entries are swept
		TrimInterval time.Duration `mapstructure:"trim_interval"`
	} `mapstructure:"engine"`

	Storage struct {
		// SQLitePath is the aggregation store database file (":memory:" for tests)
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `mapstructure:"level"`
		// Format is "json" or "console"
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_events_per_rule", 512)
	v.SetDefault("engine.aggregate_interval", time.Minute)
	v.SetDefault("engine.trim_interval", time.Minute)
	v.SetDefault("storage.sqlite_path", "./data/warden.db")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9477")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the WARDEN_ prefix with dots
// replaced by underscores, e.g. WARDEN_ENGINE_TRIM_INTERVAL=30s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Engine.MaxEventsPerRule <= 0 {
		return fmt.Errorf("engine.max_events_per_rule must be positive, got %d", c.Engine.MaxEventsPerRule)
	}
	if c.Engine.AggregateInterval <= 0 {
		return fmt.Errorf("engine.aggregate_interval must be positive, got %s", c.Engine.AggregateInterval)
	}
	if c.Engine.TrimInterval <= 0 {
		return fmt.Errorf("engine.trim_interval must be positive, got %s", c.Engine.TrimInterval)
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console; got %q", c.Logging.Format)
	}
	return nil
}
