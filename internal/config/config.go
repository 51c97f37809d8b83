// Package config provides environment-aware configuration loading for the
// scripting subsystem's standalone entry points.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment a process is running under.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds the scripting subsystem's tunables: cache sizing, debugger
// limits, and per-subsystem execution timeouts. CacheMaxEntries, the
// Debugger* limits and LoadTimeout are loaded and validated here but not
// passed on by cmd/scriptd: the eval cache holds evalcache.MaxEntries
// entries and the debugger uses its own built-in limits.
type Config struct {
	Env Environment

	// CacheMaxEntries bounds the EVAL script cache's LRU list.
	CacheMaxEntries int

	// DebuggerReplyMaxBytes bounds a single debugger reply before truncation.
	DebuggerReplyMaxBytes int
	// DebuggerMaxBreakpoints bounds the number of active breakpoints a
	// single debug session may hold.
	DebuggerMaxBreakpoints int
	// DebuggerMaxPendingSessions bounds the number of forked child
	// processes a debugger listener keeps alive at once.
	DebuggerMaxPendingSessions int

	// EvalTimeout is the deadline cmd/scriptd puts on the context of each
	// command it dispatches. SCRIPT KILL does not consult it.
	EvalTimeout time.Duration
	// LoadTimeout bounds a SCRIPT LOAD/FUNCTION LOAD compile-and-register
	// pass.
	LoadTimeout time.Duration

	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration based on the SCRIPTD_ENV environment variable,
// optionally layering in a `config/<env>.env` file first (a missing file is
// skipped; any other failure to load it is printed to stderr as a warning
// and loading continues).
func Load() (*Config, error) {
	envStr := os.Getenv("SCRIPTD_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid SCRIPTD_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := fmt.Sprintf("config/%s.env", env)
	if err := godotenv.Load(configFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", configFile, err)
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.CacheMaxEntries = getIntEnv("SCRIPTD_CACHE_MAX_ENTRIES", 500)

	c.DebuggerReplyMaxBytes = getIntEnv("SCRIPTD_DEBUGGER_REPLY_MAX_BYTES", 1<<20)
	c.DebuggerMaxBreakpoints = getIntEnv("SCRIPTD_DEBUGGER_MAX_BREAKPOINTS", 64)
	c.DebuggerMaxPendingSessions = getIntEnv("SCRIPTD_DEBUGGER_MAX_PENDING_SESSIONS", 16)

	evalTimeout, err := time.ParseDuration(getEnv("SCRIPTD_EVAL_TIMEOUT", "5s"))
	if err != nil {
		return fmt.Errorf("invalid SCRIPTD_EVAL_TIMEOUT: %w", err)
	}
	c.EvalTimeout = evalTimeout

	loadTimeout, err := time.ParseDuration(getEnv("SCRIPTD_LOAD_TIMEOUT", "10s"))
	if err != nil {
		return fmt.Errorf("invalid SCRIPTD_LOAD_TIMEOUT: %w", err)
	}
	c.LoadTimeout = loadTimeout

	c.LogLevel = getEnv("SCRIPTD_LOG_LEVEL", "info")
	c.LogFormat = getEnv("SCRIPTD_LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("SCRIPTD_METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("SCRIPTD_METRICS_PORT", 9090)

	return nil
}

// IsDevelopment reports whether c is configured for development.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsProduction reports whether c is configured for production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate rejects a handful of development-only settings when the
// configured environment is production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.CacheMaxEntries <= 0 {
			return fmt.Errorf("SCRIPTD_CACHE_MAX_ENTRIES must be positive")
		}
		if c.DebuggerMaxPendingSessions <= 0 {
			return fmt.Errorf("SCRIPTD_DEBUGGER_MAX_PENDING_SESSIONS must be positive in production")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
