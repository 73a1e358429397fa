// Package config loads process-level configuration for the
// orchestrator-worker binary, following the
// flags-then-environment-then-defaults layering of cmd/mcp-server/main.go's
// FlagConfig/loadConfig/buildEnvMappings), generalized from an MCP server's
// session/transport settings to this engine's store/worker settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the orchestrator-worker process's resolved configuration.
type Config struct {
	// StoreKind selects the Store implementation: "postgres" or "bbolt".
	StoreKind string
	// PostgresDSN configures the pgxpool connection when StoreKind is
	// "postgres".
	PostgresDSN string
	// BboltPath is the database file path when StoreKind is "bbolt".
	BboltPath string

	LogLevel  string
	LogFormat string // "console" or "json"

	// Concurrency bounds how many steps the Executor runs at once per
	// coordinator pass.
	Concurrency int
	// SweepInterval is how often the reenqueue Sweeper polls for due work.
	SweepInterval time.Duration
	// SweepBatchLimit bounds how many due tasks one sweep claims.
	SweepBatchLimit int

	MetricsEnabled bool
	MetricsAddr    string

	TracingEnabled          bool
	TracingInstrumentation string
}

// Default returns the configuration a fresh install starts from, matching
// the Default*Config() constructor convention this is modeled on.
func Default() Config {
	return Config{
		StoreKind:              "bbolt",
		BboltPath:              "./orchestrator-worker.db",
		LogLevel:               "info",
		LogFormat:              "console",
		Concurrency:            4,
		SweepInterval:          500 * time.Millisecond,
		SweepBatchLimit:        50,
		MetricsEnabled:         true,
		MetricsAddr:            ":9090",
		TracingEnabled:         false,
		TracingInstrumentation: "orchestrator-worker",
	}
}

// envMapping is one environment variable to Config field binding, mirroring
// the EnvConfigMapping/buildEnvMappings table this is modeled on.
type envMapping struct {
	key    string
	setter func(cfg *Config, value string) error
}

func envMappings() []envMapping {
	return []envMapping{
		{"ORCHESTRATOR_STORE_KIND", func(c *Config, v string) error { c.StoreKind = v; return nil }},
		{"ORCHESTRATOR_POSTGRES_DSN", func(c *Config, v string) error { c.PostgresDSN = v; return nil }},
		{"ORCHESTRATOR_BBOLT_PATH", func(c *Config, v string) error { c.BboltPath = v; return nil }},
		{"ORCHESTRATOR_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
		{"ORCHESTRATOR_LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
		{"ORCHESTRATOR_CONCURRENCY", func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("ORCHESTRATOR_CONCURRENCY: %w", err)
			}
			c.Concurrency = n
			return nil
		}},
		{"ORCHESTRATOR_SWEEP_INTERVAL", func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("ORCHESTRATOR_SWEEP_INTERVAL: %w", err)
			}
			c.SweepInterval = d
			return nil
		}},
		{"ORCHESTRATOR_SWEEP_BATCH_LIMIT", func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("ORCHESTRATOR_SWEEP_BATCH_LIMIT: %w", err)
			}
			c.SweepBatchLimit = n
			return nil
		}},
		{"ORCHESTRATOR_METRICS_ENABLED", func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("ORCHESTRATOR_METRICS_ENABLED: %w", err)
			}
			c.MetricsEnabled = b
			return nil
		}},
		{"ORCHESTRATOR_METRICS_ADDR", func(c *Config, v string) error { c.MetricsAddr = v; return nil }},
		{"ORCHESTRATOR_TRACING_ENABLED", func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("ORCHESTRATOR_TRACING_ENABLED: %w", err)
			}
			c.TracingEnabled = b
			return nil
		}},
	}
}

// Load builds a Config from defaults, overlaid with an optional .env file
// (via godotenv, silently skipped if envFile is empty or missing) and then
// environment variables. Command-line flags are not read here, and the
// worker binary sets no Config field from a flag.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
		}
	}

	cfg := Default()
	for _, m := range envMappings() {
		if v := os.Getenv(m.key); v != "" {
			if err := m.setter(&cfg, v); err != nil {
				return Config{}, err
			}
		}
	}
	return cfg, nil
}
