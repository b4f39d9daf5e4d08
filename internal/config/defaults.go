package config

import (
	"time"

	"github.com/leapstack-labs/leapflow/internal/backoff"
)

// Default configuration values.
const (
	DefaultStateFile        = ".leapflow/state.db"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultServerAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultIngestWorkers    = 2
	DefaultPollInterval     = 30 * time.Second
	DefaultRefreshWorkers   = 4
	DefaultTickInterval     = 10 * time.Second
	DefaultRefreshTimeout   = 5 * time.Minute
	DefaultFailureThreshold = 3
	DefaultQualityWorkers   = 2
	DefaultResolution       = time.Second
	DefaultScheduleInterval = 5 * time.Minute
	DefaultFilePattern      = "*.csv"
)

// defaults returns the lowest-precedence configuration layer.
func defaults() map[string]any {
	b := backoff.Default()
	retry := map[string]any{
		"initial":      b.Initial.String(),
		"multiplier":   b.Multiplier,
		"max":          b.Max.String(),
		"max_attempts": b.MaxAttempts,
	}
	return map[string]any{
		"state_path":                DefaultStateFile,
		"log_level":                 DefaultLogLevel,
		"log_format":                DefaultLogFormat,
		"server.addr":               DefaultServerAddr,
		"server.shutdown_timeout":   DefaultShutdownTimeout.String(),
		"ingest.workers":            DefaultIngestWorkers,
		"ingest.poll_interval":      DefaultPollInterval.String(),
		"ingest.retry_backoff":      retry,
		"refresh.workers":           DefaultRefreshWorkers,
		"refresh.tick_interval":     DefaultTickInterval.String(),
		"refresh.timeout":           DefaultRefreshTimeout.String(),
		"refresh.failure_threshold": DefaultFailureThreshold,
		"refresh.retry_backoff":     retry,
		"quality.workers":           DefaultQualityWorkers,
		"quality.resolution":        DefaultResolution.String(),
		"quality.schedule_interval": DefaultScheduleInterval.String(),
	}
}
