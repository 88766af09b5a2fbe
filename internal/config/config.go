package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the coordinator configuration. Every field has a default so
// a partial (or absent) file still yields a runnable configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`

	// Admission queue
	QueueWaitTimeoutMs  int `yaml:"queue_wait_timeout_ms"`
	QueuePollIntervalMs int `yaml:"queue_poll_interval_ms"`

	// Housekeeping
	TicketMaxAgeMs  int `yaml:"ticket_max_age_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`

	// Dispatch and retry
	MaxFailures       int `yaml:"max_failures"`
	DispatchBatchSize int `yaml:"dispatch_batch_size"`

	// Per-producer request-work rate limit
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		DatabasePath:        "./coordinator.db",
		QueueWaitTimeoutMs:  10000,
		QueuePollIntervalMs: 100,
		TicketMaxAgeMs:      30000,
		SweepIntervalMs:     10000,
		MaxFailures:         3,
		DispatchBatchSize:   20,
		RequestsPerMinute:   30,
	}
}

// Load reads a YAML config file and fills omitted fields with defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.QueuePollIntervalMs <= 0 {
		return fmt.Errorf("queue_poll_interval_ms must be positive, got %d", c.QueuePollIntervalMs)
	}
	if c.QueueWaitTimeoutMs <= 0 {
		return fmt.Errorf("queue_wait_timeout_ms must be positive, got %d", c.QueueWaitTimeoutMs)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("max_failures must not be negative, got %d", c.MaxFailures)
	}
	if c.DispatchBatchSize <= 0 {
		return fmt.Errorf("dispatch_batch_size must be positive, got %d", c.DispatchBatchSize)
	}
	return nil
}

// Duration accessors

func (c *Config) QueueWaitTimeout() time.Duration {
	return time.Duration(c.QueueWaitTimeoutMs) * time.Millisecond
}

func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMs) * time.Millisecond
}

func (c *Config) TicketMaxAge() time.Duration {
	return time.Duration(c.TicketMaxAgeMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
