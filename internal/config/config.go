// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load layers defaults, an optional YAML file and DEMAND_* env vars.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Interpolation modes understood by the gap stage.
const (
	InterpolationZero   = "zero"
	InterpolationLinear = "linear"
)

// Outlier strategies understood by the outlier stage.
const (
	OutlierCap  = "cap"
	OutlierFlag = "flag"
	OutlierNone = "none"
)

// Lock backends for per-store run exclusivity.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the ops listener (/healthz, /metrics), e.g. ":9090".
	// Empty disables the listener.
	Addr string `koanf:"addr"`

	// DatabasePath is the SQLite file holding raw records, mappings, series and runs.
	DatabasePath string `koanf:"database_path"`

	// WorkerCount sets the number of run workers (runs for different stores in parallel).
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds the in-memory run request queue.
	QueueSize int `koanf:"queue_size"`

	// DedupeSize bounds the set of pending request keys used to drop duplicate submissions.
	DedupeSize int `koanf:"dedupe_size"`

	// Schedule is a cron spec for the periodic sweep over all configured stores.
	// Empty disables the scheduler.
	Schedule string `koanf:"schedule"`

	// ScheduleLookbackDays is the number of days (ending yesterday, store-local) each scheduled run covers.
	ScheduleLookbackDays int `koanf:"schedule_lookback_days"`

	// OutlierStrategy is "cap" (clamp to the fences), "flag" (mark only) or "none".
	OutlierStrategy string `koanf:"outlier_strategy"`

	// OutlierMinPoints is the minimum series length for outlier detection.
	OutlierMinPoints int `koanf:"outlier_min_points"`

	// OutlierIQRMultiplier is k in Q3 + k*IQR.
	OutlierIQRMultiplier float64 `koanf:"outlier_iqr_multiplier"`

	// InterpolationMode is "zero" or "linear".
	InterpolationMode string `koanf:"interpolation_mode"`

	// RefundClampTolerance is the quantity a refund may exceed its bucket by
	// before the refund is reported as a row error rather than only an anomaly.
	RefundClampTolerance float64 `koanf:"refund_clamp_tolerance"`

	// StageParallelism bounds concurrent SKU groups inside the grouping stages.
	StageParallelism int `koanf:"stage_parallelism"`

	// RunLease is how long a run claim stays valid without a stage boundary renewing it.
	RunLease time.Duration `koanf:"run_lease"`

	// LockBackend is "local" (in-process per-store mutex) or "redis".
	LockBackend string `koanf:"lock_backend"`

	// Redis settings, used when LockBackend is "redis".
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9090",
		DatabasePath:         "demandseries.db",
		WorkerCount:          runtime.NumCPU(),
		QueueSize:            1_000,
		DedupeSize:           10_000,
		Schedule:             "15 2 * * *",
		ScheduleLookbackDays: 90,
		OutlierStrategy:      OutlierCap,
		OutlierMinPoints:     14,
		OutlierIQRMultiplier: 1.5,
		InterpolationMode:    InterpolationZero,
		RefundClampTolerance: 0.5,
		StageParallelism:     runtime.NumCPU(),
		RunLease:             10 * time.Minute,
		LockBackend:          LockBackendLocal,
		RedisAddr:            "localhost:6379",
	}
}

// Validate checks the values a pipeline cannot run without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DatabasePath) == "":
		return fmt.Errorf("%w: database_path must not be empty", ErrInvalidConfig)
	case c.OutlierMinPoints < 1:
		return fmt.Errorf("%w: outlier_min_points must be positive", ErrInvalidConfig)
	case c.OutlierIQRMultiplier <= 0:
		return fmt.Errorf("%w: outlier_iqr_multiplier must be positive", ErrInvalidConfig)
	case c.RefundClampTolerance < 0:
		return fmt.Errorf("%w: refund_clamp_tolerance must not be negative", ErrInvalidConfig)
	case c.ScheduleLookbackDays < 1:
		return fmt.Errorf("%w: schedule_lookback_days must be positive", ErrInvalidConfig)
	case c.RunLease <= 0:
		return fmt.Errorf("%w: run_lease must be positive", ErrInvalidConfig)
	}

	switch c.InterpolationMode {
	case InterpolationZero, InterpolationLinear:
	default:
		return fmt.Errorf("%w: interpolation_mode %q", ErrInvalidConfig, c.InterpolationMode)
	}

	switch c.OutlierStrategy {
	case OutlierCap, OutlierFlag, OutlierNone:
	default:
		return fmt.Errorf("%w: outlier_strategy %q", ErrInvalidConfig, c.OutlierStrategy)
	}

	switch c.LockBackend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr required for redis lock backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: lock_backend %q", ErrInvalidConfig, c.LockBackend)
	}
	return nil
}
