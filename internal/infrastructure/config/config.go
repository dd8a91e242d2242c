package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Kernel    KernelConfig    `yaml:"kernel"`
	Logging   LogConfig       `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sieve     SieveConfig     `yaml:"sieve"`
}

// KernelConfig sizes the simulated machine.
type KernelConfig struct {
	MaxEnvs        int `envconfig:"MAX_ENVS" default:"1024" yaml:"max_envs"`
	PhysPages      int `envconfig:"PHYS_PAGES" default:"8192" yaml:"phys_pages"`
	MaxExitRecords int `envconfig:"MAX_EXIT_RECORDS" default:"4096" yaml:"max_exit_records"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// ServerConfig holds inspection server configuration.
type ServerConfig struct {
	Enabled bool   `envconfig:"SERVER_ENABLED" default:"false" yaml:"enabled"`
	Port    string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host    string `envconfig:"HOST" default:"127.0.0.1" yaml:"host"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// SieveConfig holds prime sieve demo configuration.
type SieveConfig struct {
	Limit   int           `envconfig:"SIEVE_LIMIT" default:"100" yaml:"limit"`
	Timeout time.Duration `envconfig:"SIEVE_TIMEOUT" default:"30s" yaml:"timeout"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from environment variables and then overlays
// the YAML file at path. Keys present in the file win.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			MaxEnvs:        1024,
			PhysPages:      8192,
			MaxExitRecords: 4096,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    "8000",
			Host:    "127.0.0.1",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Sieve: SieveConfig{
			Limit:   100,
			Timeout: 30 * time.Second,
		},
	}
}

// Validate rejects values the machine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Kernel.MaxEnvs < 1 || c.Kernel.MaxEnvs > 1024:
		return fmt.Errorf("invalid config: max_envs must be in [1, 1024], got %d", c.Kernel.MaxEnvs)
	case c.Kernel.PhysPages < 2:
		return fmt.Errorf("invalid config: phys_pages must be at least 2, got %d", c.Kernel.PhysPages)
	case c.Kernel.MaxExitRecords < 1:
		return fmt.Errorf("invalid config: max_exit_records must be at least 1, got %d", c.Kernel.MaxExitRecords)
	case c.Sieve.Limit < 2:
		return fmt.Errorf("invalid config: sieve limit must be at least 2, got %d", c.Sieve.Limit)
	case c.Sieve.Timeout <= 0:
		return fmt.Errorf("invalid config: sieve timeout must be positive, got %s", c.Sieve.Timeout)
	}
	return nil
}
