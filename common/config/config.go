package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults and bounds for engine tunables. Out-of-range values are clamped,
// not rejected, so a typo in an env var cannot take the daemon down.
const (
	DefaultNodeMaxRetries        = 3
	MinNodeMaxRetries            = 0
	MaxNodeMaxRetries            = 20
	DefaultNodeTimeoutMS         = 600_000
	MinNodeTimeoutMS             = 1_000
	MaxNodeTimeoutMS             = 21_600_000
	DefaultMaxConcurrentBranches = 8
	MinMaxConcurrentBranches     = 1
	MaxMaxConcurrentBranches     = 64
	DefaultMaxPersistedRuns      = 200
	MinMaxPersistedRuns          = 20
	MaxMaxPersistedRuns          = 5_000
	DefaultStuckThresholdMS      = 300_000
	MinStuckThresholdMS          = 10_000
	MaxStuckThresholdMS          = 7_200_000

	// MaxRetryBackoff caps the exponential backoff between node attempts.
	MaxRetryBackoff = 30 * time.Second

	// DefaultRetryDelay is the backoff base when a node omits retryDelayMs.
	DefaultRetryDelay = time.Second
)

// Config holds all supervisor configuration
type Config struct {
	// DataDir is the root of the persisted state tree:
	// <DataDir>/workflows and <DataDir>/workflow-runs.
	DataDir string

	LogLevel  string
	LogFormat string

	// NodeMaxRetries is the global retry cap when a node omits maxRetries.
	NodeMaxRetries int

	// NodeTimeout is the global per-node deadline.
	NodeTimeout time.Duration

	// MaxConcurrentBranches bounds parallelism within a single run.
	MaxConcurrentBranches int

	// MaxPersistedRuns caps the run-index length; older entries are evicted.
	MaxPersistedRuns int

	// StuckThreshold is the inactivity window after which a running run
	// is reported as stuck.
	StuckThreshold time.Duration

	// ExecutorPriority is the ordered fallback chain consulted when a node
	// asks for the "auto" agent SDK. It is deliberately configuration, not
	// code: the resolution order is an operator decision.
	ExecutorPriority []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:   getEnv("SUPERVISOR_DATA_DIR", ".supervisor"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		NodeMaxRetries: clampInt(
			getEnvInt("WORKFLOW_NODE_MAX_RETRIES", DefaultNodeMaxRetries),
			MinNodeMaxRetries, MaxNodeMaxRetries),
		NodeTimeout: time.Duration(clampInt(
			getEnvInt("WORKFLOW_NODE_TIMEOUT_MS", DefaultNodeTimeoutMS),
			MinNodeTimeoutMS, MaxNodeTimeoutMS)) * time.Millisecond,
		MaxConcurrentBranches: clampInt(
			getEnvInt("WORKFLOW_MAX_CONCURRENT_BRANCHES", DefaultMaxConcurrentBranches),
			MinMaxConcurrentBranches, MaxMaxConcurrentBranches),
		MaxPersistedRuns: clampInt(
			getEnvInt("WORKFLOW_MAX_PERSISTED_RUNS", DefaultMaxPersistedRuns),
			MinMaxPersistedRuns, MaxMaxPersistedRuns),
		StuckThreshold: time.Duration(clampInt(
			getEnvInt("WORKFLOW_RUN_STUCK_THRESHOLD_MS", DefaultStuckThresholdMS),
			MinStuckThresholdMS, MaxStuckThresholdMS)) * time.Millisecond,
		ExecutorPriority: getEnvSlice("SUPERVISOR_EXECUTOR_PRIORITY", nil),
	}

	return cfg, cfg.Validate()
}

// Default returns the built-in configuration without consulting the
// environment. Used in tests.
func Default() *Config {
	return &Config{
		DataDir:               ".supervisor",
		LogLevel:              "info",
		LogFormat:             "text",
		NodeMaxRetries:        DefaultNodeMaxRetries,
		NodeTimeout:           DefaultNodeTimeoutMS * time.Millisecond,
		MaxConcurrentBranches: DefaultMaxConcurrentBranches,
		MaxPersistedRuns:      DefaultMaxPersistedRuns,
		StuckThreshold:        DefaultStuckThresholdMS * time.Millisecond,
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}

	if c.MaxConcurrentBranches < MinMaxConcurrentBranches {
		return fmt.Errorf("max concurrent branches must be >= %d", MinMaxConcurrentBranches)
	}

	if c.NodeTimeout < MinNodeTimeoutMS*time.Millisecond {
		return fmt.Errorf("node timeout must be >= %dms", MinNodeTimeoutMS)
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
