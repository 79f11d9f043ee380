// Package config provides MuninDB configuration with environment
// variable and YAML file loading.
//
// Environment variables use the MUNINDB_ prefix and override file
// values. Defaults are safe for local development: in-memory storage,
// stock cascade and maintenance limits.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and tunes the storage engine.
type StoreConfig struct {
	// DataDir is the BadgerDB directory. Empty selects the in-memory
	// engine.
	DataDir string `yaml:"data_dir"`

	// InMemory forces the in-memory engine even when DataDir is set.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync after each BadgerDB write.
	SyncWrites bool `yaml:"sync_writes"`
}

// CascadeConfig tunes the query cascade circuit breaker.
type CascadeConfig struct {
	MaxDepth int           `yaml:"max_depth"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PruningConfig tunes background maintenance.
type PruningConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	EdgeMinSamples   int           `yaml:"edge_min_samples"`
	EdgeThreshold    float64       `yaml:"edge_threshold"`
	EntropyThreshold float64       `yaml:"entropy_threshold"`
}

// QuarantineConfig tunes the human-review thresholds.
type QuarantineConfig struct {
	ReviewResonance float64 `yaml:"review_resonance"`
	ReviewVolume    int64   `yaml:"review_volume"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON emits JSON log lines instead of text.
	JSON bool `yaml:"json"`
}

// Config is the complete MuninDB configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Cascade    CascadeConfig    `yaml:"cascade"`
	Pruning    PruningConfig    `yaml:"pruning"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns development-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			InMemory: true,
		},
		Cascade: CascadeConfig{
			MaxDepth: 5,
			Timeout:  30 * time.Second,
		},
		Pruning: PruningConfig{
			Enabled:          true,
			Interval:         24 * time.Hour,
			RetryBackoff:     time.Hour,
			EdgeMinSamples:   1000,
			EdgeThreshold:    0.3,
			EntropyThreshold: 0.15,
		},
		Quarantine: QuarantineConfig{
			ReviewResonance: 0.95,
			ReviewVolume:    5000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv builds a configuration from defaults overridden by
// MUNINDB_* environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Store.DataDir = getEnv("MUNINDB_DATA_DIR", cfg.Store.DataDir)
	if cfg.Store.DataDir != "" {
		cfg.Store.InMemory = false
	}
	cfg.Store.InMemory = getEnvBool("MUNINDB_IN_MEMORY", cfg.Store.InMemory)
	cfg.Store.SyncWrites = getEnvBool("MUNINDB_SYNC_WRITES", cfg.Store.SyncWrites)

	cfg.Cascade.MaxDepth = getEnvInt("MUNINDB_CASCADE_MAX_DEPTH", cfg.Cascade.MaxDepth)
	cfg.Cascade.Timeout = getEnvDuration("MUNINDB_CASCADE_TIMEOUT", cfg.Cascade.Timeout)

	cfg.Pruning.Enabled = getEnvBool("MUNINDB_PRUNING_ENABLED", cfg.Pruning.Enabled)
	cfg.Pruning.Interval = getEnvDuration("MUNINDB_PRUNING_INTERVAL", cfg.Pruning.Interval)
	cfg.Pruning.RetryBackoff = getEnvDuration("MUNINDB_PRUNING_RETRY_BACKOFF", cfg.Pruning.RetryBackoff)
	cfg.Pruning.EdgeMinSamples = getEnvInt("MUNINDB_EDGE_MIN_SAMPLES", cfg.Pruning.EdgeMinSamples)
	cfg.Pruning.EdgeThreshold = getEnvFloat("MUNINDB_EDGE_THRESHOLD", cfg.Pruning.EdgeThreshold)
	cfg.Pruning.EntropyThreshold = getEnvFloat("MUNINDB_ENTROPY_THRESHOLD", cfg.Pruning.EntropyThreshold)

	cfg.Quarantine.ReviewResonance = getEnvFloat("MUNINDB_REVIEW_RESONANCE", cfg.Quarantine.ReviewResonance)
	cfg.Quarantine.ReviewVolume = int64(getEnvInt("MUNINDB_REVIEW_VOLUME", int(cfg.Quarantine.ReviewVolume)))

	cfg.Logging.Level = getEnv("MUNINDB_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSON = getEnvBool("MUNINDB_LOG_JSON", cfg.Logging.JSON)

	return cfg
}

// LoadFile reads a YAML configuration file over defaults. Environment
// variables still win: callers typically LoadFile then apply env.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return fmt.Errorf("config: data_dir required for persistent storage")
	}
	if c.Cascade.MaxDepth <= 0 {
		return fmt.Errorf("config: cascade max_depth must be positive, got %d", c.Cascade.MaxDepth)
	}
	if c.Cascade.Timeout <= 0 {
		return fmt.Errorf("config: cascade timeout must be positive, got %s", c.Cascade.Timeout)
	}
	if c.Pruning.Interval <= 0 {
		return fmt.Errorf("config: pruning interval must be positive, got %s", c.Pruning.Interval)
	}
	if c.Pruning.EdgeThreshold < 0 || c.Pruning.EdgeThreshold > 1 {
		return fmt.Errorf("config: edge_threshold must be in [0,1], got %g", c.Pruning.EdgeThreshold)
	}
	if c.Pruning.EntropyThreshold <= 0 || c.Pruning.EntropyThreshold > 1 {
		return fmt.Errorf("config: entropy_threshold must be in (0,1], got %g", c.Pruning.EntropyThreshold)
	}
	if c.Quarantine.ReviewResonance <= 0 || c.Quarantine.ReviewResonance > 1 {
		return fmt.Errorf("config: review_resonance must be in (0,1], got %g", c.Quarantine.ReviewResonance)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
