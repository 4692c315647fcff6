// Package config defines the runtime configuration: capacity limits,
// admission wait parameters, adaptive rate-control tuning, and retry
// behavior. Values come from built-in defaults overridden by DELEGATE_*
// environment variables, then validated (soft ranges are clamped to their
// documented bounds, hard violations fail startup).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ParallelMode selects the default agent set for parallel runs.
type ParallelMode string

// Parallel modes.
const (
	ParallelModeCurrent ParallelMode = "current"
	ParallelModeAll     ParallelMode = "all"
)

// Config is the full runtime configuration. A validated Config is immutable
// after startup; services receive it by pointer and never mutate it.
type Config struct {
	// Global capacity limits.
	MaxTotalActiveRequests  int `json:"max_total_active_requests"`
	MaxTotalActiveLlm       int `json:"max_total_active_llm"`
	MaxParallelSubagents    int `json:"max_parallel_subagents_per_run"`
	MaxConcurrentOrch       int `json:"max_concurrent_orchestrations"`
	OrchestrationQueueLimit int `json:"orchestration_queue_limit"`

	// Admission wait parameters.
	CapacityWait      time.Duration `json:"capacity_wait_ms"`
	CapacityPoll      time.Duration `json:"capacity_poll_ms"`
	ReservationTTL    time.Duration `json:"reservation_ttl_ms"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval_ms"`
	SweepInterval     time.Duration `json:"sweep_interval_ms"`

	// Adaptive rate controller tuning.
	RecoveryInterval    time.Duration `json:"recovery_interval_ms"`
	ReductionFactor     float64       `json:"reduction_factor"`
	RecoveryFactor      float64       `json:"recovery_factor"`
	PredictiveEnabled   bool          `json:"predictive_enabled"`
	PredictiveThreshold float64       `json:"predictive_threshold"`

	// Retry engine.
	StableProfile bool          `json:"stable_profile"`
	MaxRetries    int           `json:"max_retries"`
	IdleTimeout   time.Duration `json:"idle_timeout_ms"`

	// Subagent defaults.
	DefaultProvider     string       `json:"default_provider"`
	DefaultModel        string       `json:"default_model"`
	DefaultParallelMode ParallelMode `json:"default_parallel_mode"`

	// StateDir is the project-scoped directory holding storage.json,
	// adaptive-limits.json, and runs/.
	StateDir string `json:"state_dir"`

	// Disabled is an ops toggle: when set, run operations are rejected
	// with a warning instead of being admitted.
	Disabled bool `json:"disabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxTotalActiveRequests:  24,
		MaxTotalActiveLlm:       8,
		MaxParallelSubagents:    4,
		MaxConcurrentOrch:       3,
		OrchestrationQueueLimit: 32,

		CapacityWait:      30 * time.Second,
		CapacityPoll:      250 * time.Millisecond,
		ReservationTTL:    15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SweepInterval:     5 * time.Second,

		RecoveryInterval:    60 * time.Second,
		ReductionFactor:     0.7,
		RecoveryFactor:      1.2,
		PredictiveEnabled:   true,
		PredictiveThreshold: 0.6,

		StableProfile: false,
		MaxRetries:    3,
		IdleTimeout:   300 * time.Second,

		DefaultProvider:     "anthropic",
		DefaultModel:        "default",
		DefaultParallelMode: ParallelModeCurrent,

		StateDir: ".delegate",
	}
}

// Load builds the configuration from defaults plus environment overrides,
// then validates it. Malformed environment values fall back to the default
// (startup must not fail on a typo'd int).
func Load() (*Config, error) {
	cfg := Default()

	cfg.MaxTotalActiveRequests = envInt("DELEGATE_MAX_TOTAL_ACTIVE_REQUESTS", cfg.MaxTotalActiveRequests)
	cfg.MaxTotalActiveLlm = envInt("DELEGATE_MAX_TOTAL_ACTIVE_LLM", cfg.MaxTotalActiveLlm)
	cfg.MaxParallelSubagents = envInt("DELEGATE_MAX_PARALLEL_SUBAGENTS_PER_RUN", cfg.MaxParallelSubagents)
	cfg.MaxConcurrentOrch = envInt("DELEGATE_MAX_CONCURRENT_ORCHESTRATIONS", cfg.MaxConcurrentOrch)
	cfg.OrchestrationQueueLimit = envInt("DELEGATE_ORCHESTRATION_QUEUE_LIMIT", cfg.OrchestrationQueueLimit)

	cfg.CapacityWait = envDurationMs("DELEGATE_CAPACITY_WAIT_MS", cfg.CapacityWait)
	cfg.CapacityPoll = envDurationMs("DELEGATE_CAPACITY_POLL_MS", cfg.CapacityPoll)
	cfg.ReservationTTL = envDurationMs("DELEGATE_RESERVATION_TTL_MS", cfg.ReservationTTL)

	cfg.RecoveryInterval = envDurationMs("DELEGATE_RECOVERY_INTERVAL_MS", cfg.RecoveryInterval)
	cfg.ReductionFactor = envFloat("DELEGATE_REDUCTION_FACTOR", cfg.ReductionFactor)
	cfg.RecoveryFactor = envFloat("DELEGATE_RECOVERY_FACTOR", cfg.RecoveryFactor)
	cfg.PredictiveEnabled = envBool("DELEGATE_PREDICTIVE_ENABLED", cfg.PredictiveEnabled)
	cfg.PredictiveThreshold = envFloat("DELEGATE_PREDICTIVE_THRESHOLD", cfg.PredictiveThreshold)

	cfg.StableProfile = envBool("DELEGATE_STABLE_PROFILE", cfg.StableProfile)
	cfg.MaxRetries = envInt("DELEGATE_MAX_RETRIES", cfg.MaxRetries)
	cfg.IdleTimeout = envDurationMs("DELEGATE_IDLE_TIMEOUT_MS", cfg.IdleTimeout)

	if v := os.Getenv("DELEGATE_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("DELEGATE_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("DELEGATE_DEFAULT_PARALLEL_MODE"); v != "" {
		cfg.DefaultParallelMode = ParallelMode(v)
	}
	if v := os.Getenv("DELEGATE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	cfg.Disabled = envBool("DELEGATE_DISABLED", cfg.Disabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks hard requirements and clamps soft ranges in place.
// Re-applying Validate to an already-valid Config is a no-op.
func (c *Config) Validate() error {
	if c.MaxTotalActiveRequests < 1 {
		return fmt.Errorf("max_total_active_requests must be >= 1, got %d", c.MaxTotalActiveRequests)
	}
	if c.MaxTotalActiveLlm < 1 {
		return fmt.Errorf("max_total_active_llm must be >= 1, got %d", c.MaxTotalActiveLlm)
	}
	if c.MaxParallelSubagents < 1 {
		return fmt.Errorf("max_parallel_subagents_per_run must be >= 1, got %d", c.MaxParallelSubagents)
	}
	if c.MaxConcurrentOrch < 1 {
		return fmt.Errorf("max_concurrent_orchestrations must be >= 1, got %d", c.MaxConcurrentOrch)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.DefaultParallelMode != ParallelModeCurrent && c.DefaultParallelMode != ParallelModeAll {
		return fmt.Errorf("default_parallel_mode must be %q or %q, got %q",
			ParallelModeCurrent, ParallelModeAll, c.DefaultParallelMode)
	}

	// Documented clamp ranges; out-of-range values are corrected, not fatal.
	c.ReductionFactor = clampFloat(c.ReductionFactor, 0.3, 0.9)
	c.RecoveryFactor = clampFloat(c.RecoveryFactor, 1.0, 1.5)
	c.PredictiveThreshold = clampFloat(c.PredictiveThreshold, 0, 1)
	if c.RecoveryInterval < time.Minute {
		c.RecoveryInterval = time.Minute
	}
	if c.CapacityPoll <= 0 {
		c.CapacityPoll = 250 * time.Millisecond
	}
	return nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
