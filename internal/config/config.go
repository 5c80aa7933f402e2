// Package config loads the runtime configuration from YAML with
// environment variable expansion.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/dispatch/internal/engine"
)

// Config is the root configuration.
type Config struct {
	Store         StoreConfig    `yaml:"store"`
	Approval      ApprovalConfig `yaml:"approval"`
	Engine        EngineConfig   `yaml:"engine"`
	Logging       LoggingConfig  `yaml:"logging"`
	MetricsListen string         `yaml:"metrics_listen"`
}

// StoreConfig selects the approval store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Ignored for the memory backend.
	Path string `yaml:"path"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Denylist and Allowlist hold tool name patterns; "*" matches any
	// suffix or prefix. Denylist wins.
	Denylist  []string `yaml:"denylist"`
	Allowlist []string `yaml:"allowlist"`

	// DefaultPolicy applies when no list or session policy matches:
	// "allow", "deny", or "require-approval" (the default).
	DefaultPolicy string `yaml:"default_policy"`

	// PollInterval is how often a waiting call re-checks the store for
	// decisions made by other processes.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EngineConfig configures concurrent execution.
type EngineConfig struct {
	// Concurrency is the maximum number of in-flight tool calls.
	Concurrency int `yaml:"concurrency"`

	// ToolTimeout bounds each invocation attempt.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`

	// Tools holds per-tool retry overrides keyed by tool name.
	Tools map[string]engine.ToolRetryConfig `yaml:"tools"`
}

// RetryConfig configures the default backoff policy.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// CircuitConfig configures the per-tool breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "dispatch.db",
		},
		Approval: ApprovalConfig{
			DefaultPolicy: "require-approval",
			PollInterval:  250 * time.Millisecond,
		},
		Engine: EngineConfig{
			Concurrency: 10,
			ToolTimeout: 60 * time.Second,
			Retry: RetryConfig{
				MaxRetries:        3,
				BaseDelay:         100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				MaxDelay:          10 * time.Second,
			},
			Circuit: CircuitConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults. Environment
// variables in the file are expanded before parsing. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}

	switch c.Approval.DefaultPolicy {
	case "allow", "deny", "require-approval":
	default:
		return fmt.Errorf("unknown default policy %q", c.Approval.DefaultPolicy)
	}

	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine concurrency must be at least 1")
	}
	if c.Engine.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Engine.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
