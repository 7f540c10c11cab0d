package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Polling   PollingConfig   `yaml:"polling"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig identifies the remote chat server and the account on it.
type ServerConfig struct {
	BaseURL  string `yaml:"base_url"`
	Account  string `yaml:"account"`
	Location string `yaml:"location"`
	// Transport selects the HTTP backend: "nethttp" (default) or "fasthttp".
	Transport string `yaml:"transport"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	// Path is the data directory for the local history cache and
	// persisted credentials. Empty disables persistence (in-memory only).
	Path string `yaml:"path"`
	// MaxCacheSize bounds the on-disk history cache, humanized ("256 MiB").
	MaxCacheSize string `yaml:"max_cache_size"`
}

// PollingConfig tunes the delta loop.
type PollingConfig struct {
	// Interval between delta polls when the server has nothing new.
	Interval string `yaml:"interval"`
	// RatePerSecond caps delta requests even when the server keeps
	// answering has_more; guards against hot-looping.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RetentionConfig holds configuration for the local cache purge runner.
type RetentionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	Period    string `yaml:"period"`
	BatchSize int    `yaml:"batch_size"`
	DryRun    bool   `yaml:"dry_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the yaml config at path (if any) and applies CHATKIT_*
// environment overrides on top. A missing file is not an error; env
// alone can fully configure a session.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATKIT_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("CHATKIT_ACCOUNT"); v != "" {
		cfg.Server.Account = v
	}
	if v := os.Getenv("CHATKIT_LOCATION"); v != "" {
		cfg.Server.Location = v
	}
	if v := os.Getenv("CHATKIT_TRANSPORT"); v != "" {
		cfg.Server.Transport = v
	}
	if v := os.Getenv("CHATKIT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHATKIT_POLL_INTERVAL"); v != "" {
		cfg.Polling.Interval = v
	}
	if v := os.Getenv("CHATKIT_POLL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Polling.RatePerSecond = f
		}
	}
	if v := os.Getenv("CHATKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "nethttp"
	}
	if c.Polling.Interval == "" {
		c.Polling.Interval = "60s"
	}
	if c.Polling.RatePerSecond <= 0 {
		c.Polling.RatePerSecond = 5
	}
	if c.Polling.Burst <= 0 {
		c.Polling.Burst = 10
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 2 * * *"
	}
	if c.Retention.Period == "" {
		c.Retention.Period = "720h"
	}
	if c.Retention.BatchSize <= 0 {
		c.Retention.BatchSize = 500
	}
}

// PollInterval parses Polling.Interval, defaulting to 60s on bad input.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Polling.Interval))
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// RetentionPeriod parses Retention.Period, defaulting to 30 days.
func (c *Config) RetentionPeriod() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.Retention.Period))
	if err != nil || d <= 0 {
		return 30 * 24 * time.Hour
	}
	return d
}

// MaxCacheBytes parses Storage.MaxCacheSize ("256 MiB", "1GB"); zero
// means unbounded.
func (c *Config) MaxCacheBytes() uint64 {
	s := strings.TrimSpace(c.Storage.MaxCacheSize)
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks the minimum a session needs.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.Account == "" {
		return fmt.Errorf("server.account is required")
	}
	return nil
}
