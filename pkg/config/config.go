// Package config loads runtime configuration from environment
// variables. Everything has a development-friendly default so the
// daemon starts with no environment at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds daemon configuration.
type Config struct {
	Driver      Driver
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	// DataDir and OutputDir bound the context paths a wave request may
	// reference.
	DataDir   string
	OutputDir string

	// MaxWaveRuntime is the wall-clock cap on a single wave.
	MaxWaveRuntime time.Duration

	// RatePerAgent and RateBurst shape per-agent wave submission.
	RatePerAgent float64
	RateBurst    int
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Driver:         Driver(getenv("SAW_DB_DRIVER", string(DriverSQLite))),
		DatabaseURL:    getenv("SAW_DATABASE_URL", "saw_runtime.db"),
		LogLevel:       getenv("SAW_LOG_LEVEL", "info"),
		LogFormat:      getenv("SAW_LOG_FORMAT", "json"),
		DataDir:        getenv("SAW_DATA_DIR", "./data"),
		OutputDir:      getenv("SAW_OUTPUT_DIR", "./outputs"),
		MaxWaveRuntime: 30 * time.Second,
		RatePerAgent:   5,
		RateBurst:      10,
	}

	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("config: unsupported SAW_DB_DRIVER %q", cfg.Driver)
	}

	if v := os.Getenv("SAW_MAX_WAVE_RUNTIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: parse SAW_MAX_WAVE_RUNTIME: %w", err)
		}
		cfg.MaxWaveRuntime = d
	}
	if v := os.Getenv("SAW_RATE_PER_AGENT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: parse SAW_RATE_PER_AGENT: %w", err)
		}
		cfg.RatePerAgent = r
	}
	if v := os.Getenv("SAW_RATE_BURST"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: parse SAW_RATE_BURST: %w", err)
		}
		cfg.RateBurst = b
	}
	return cfg, nil
}

// DriverName maps the configured driver onto the database/sql driver
// name registered by the imported driver package.
func (c *Config) DriverName() string {
	if c.Driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}
