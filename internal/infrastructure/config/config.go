package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds daemon configuration. Values come from the environment;
// scheduler policy can additionally be layered from a TOML file.
type Config struct {
	API       APIConfig
	Sched     SchedConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// APIConfig holds the telemetry/debug HTTP server configuration.
type APIConfig struct {
	Port    string `envconfig:"EXECRT_API_PORT" default:"8400"`
	Host    string `envconfig:"EXECRT_API_HOST" default:"127.0.0.1"`
	Enabled bool   `envconfig:"EXECRT_API_ENABLED" default:"true"`
}

// SchedConfig holds scheduler policy.
type SchedConfig struct {
	Cores          int           `envconfig:"EXECRT_CORES" default:"0"`
	UtilizationCap float64       `envconfig:"EXECRT_DL_UTIL_CAP" default:"1.0"`
	RTQuantum      time.Duration `envconfig:"EXECRT_RT_QUANTUM" default:"0"`
	BEQuantum      time.Duration `envconfig:"EXECRT_BE_QUANTUM" default:"10ms"`
	RingSize       int           `envconfig:"EXECRT_RING_SIZE" default:"4096"`
	PolicyFile     string        `envconfig:"EXECRT_SCHED_POLICY" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"EXECRT_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"EXECRT_LOG_DEV" default:"false"`
}

// RateLimitConfig holds telemetry API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"EXECRT_RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"EXECRT_RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"EXECRT_RATE_LIMIT_ENABLED" default:"true"`
}

// Load reads configuration from the environment and, when a scheduler
// policy file is named, overlays it on the scheduler section. File
// values win over environment values for the fields they set.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Sched.PolicyFile != "" {
		if err := cfg.Sched.overlayFile(cfg.Sched.PolicyFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults.
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
		API: APIConfig{
			Port:    "8400",
			Host:    "127.0.0.1",
			Enabled: true,
		},
		Sched: SchedConfig{
			UtilizationCap: 1.0,
			BEQuantum:      10 * time.Millisecond,
			RingSize:       4096,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// policyFile is the TOML scheduler-policy shape. Pointer fields
// distinguish "unset" from zero so the file only overrides what it
// names; durations are strings in time.ParseDuration syntax.
type policyFile struct {
	Cores          *int     `toml:"cores"`
	UtilizationCap *float64 `toml:"utilization_cap"`
	RTQuantum      *string  `toml:"rt_quantum"`
	BEQuantum      *string  `toml:"be_quantum"`
	RingSize       *int     `toml:"ring_size"`
}

// overlayFile applies a TOML scheduler policy file on top of s.
func (s *SchedConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scheduler policy: %w", err)
	}
	var pf policyFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse scheduler policy: %w", err)
	}
	if pf.Cores != nil {
		s.Cores = *pf.Cores
	}
	if pf.UtilizationCap != nil {
		s.UtilizationCap = *pf.UtilizationCap
	}
	if pf.RTQuantum != nil {
		if s.RTQuantum, err = time.ParseDuration(*pf.RTQuantum); err != nil {
			return fmt.Errorf("invalid rt_quantum: %w", err)
		}
	}
	if pf.BEQuantum != nil {
		if s.BEQuantum, err = time.ParseDuration(*pf.BEQuantum); err != nil {
			return fmt.Errorf("invalid be_quantum: %w", err)
		}
	}
	if pf.RingSize != nil {
		s.RingSize = *pf.RingSize
	}
	return nil
}
