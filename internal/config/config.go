// Package config loads service configuration from file, environment and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration.
type Config struct {
	Listen   string         `mapstructure:"listen"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	// Path is the sqlite database file, or ":memory:" for an ephemeral store.
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	MaxAttempts int  `mapstructure:"max_attempts"`
	RetryOnFail bool `mapstructure:"retry_on_fail"`
}

type ReaperConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	Interval         time.Duration `mapstructure:"interval"`
	// Cron, when set, replaces Interval with a five-field cron schedule.
	Cron string `mapstructure:"cron"`
}

type ResolverConfig struct {
	// BaseURL points at the container hierarchy service. Empty disables
	// input resolution and rejects file-input jobs at submission.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8090")
	v.SetDefault("database.path", "gearqueue.db")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_on_fail", false)
	v.SetDefault("reaper.heartbeat_timeout", "100s")
	v.SetDefault("reaper.interval", "30s")
	v.SetDefault("resolver.timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from the given file path, the GEARQUEUE_
// environment and built-in defaults, in that order of precedence. An empty
// path skips the file and a missing file at the default location is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GEARQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gearqueue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gearqueue")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Reaper.HeartbeatTimeout <= 0 {
		return fmt.Errorf("reaper.heartbeat_timeout must be positive, got %s", c.Reaper.HeartbeatTimeout)
	}
	if c.Reaper.Cron == "" && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive, got %s", c.Reaper.Interval)
	}
	return nil
}
