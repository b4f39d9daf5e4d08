// Package config loads the pipeline configuration: raw tables, derived
// tables, quality checks, access policies, and the runtime settings of each
// component.
package config

import (
	"time"

	"github.com/leapstack-labs/leapflow/internal/backoff"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/quality"
	"github.com/leapstack-labs/leapflow/internal/recipe"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Config holds all configuration options.
type Config struct {
	StatePath string `koanf:"state_path"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // text or json

	Server  ServerConfig  `koanf:"server"`
	Mirror  MirrorConfig  `koanf:"mirror"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Refresh RefreshConfig `koanf:"refresh"`
	Quality QualityConfig `koanf:"quality"`

	Tables     []TableConfig          `koanf:"tables"`
	Derived    []DerivedConfig        `koanf:"derived"`
	Checks     []CheckConfig          `koanf:"checks"`
	Policies   []policy.Spec          `koanf:"policies"`
	Privileges policy.PrivilegeConfig `koanf:"privileges"`
	// Tags assigns tags to columns: table -> column -> tags.
	Tags map[string]map[string][]string `koanf:"tags"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `koanf:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MirrorConfig configures the DuckDB mirror of published tables.
type MirrorConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"` // empty for an in-memory database
}

// IngestConfig configures the ingestion watcher.
type IngestConfig struct {
	Workers      int            `koanf:"workers"`
	PollInterval time.Duration  `koanf:"poll_interval"`
	RetryBackoff backoff.Policy `koanf:"retry_backoff"`
}

// RefreshConfig configures the view manager.
type RefreshConfig struct {
	Workers          int            `koanf:"workers"`
	TickInterval     time.Duration  `koanf:"tick_interval"`
	Timeout          time.Duration  `koanf:"timeout"`
	FailureThreshold int            `koanf:"failure_threshold"`
	RetryBackoff     backoff.Policy `koanf:"retry_backoff"`
}

// QualityConfig configures the quality scheduler.
type QualityConfig struct {
	Workers    int           `koanf:"workers"`
	Resolution time.Duration `koanf:"resolution"`
	// ScheduleInterval is used for checks without their own interval.
	ScheduleInterval time.Duration `koanf:"schedule_interval"`
}

// TableConfig declares a raw table and where its files land.
type TableConfig struct {
	Name     string         `koanf:"name"`
	Location string         `koanf:"location"`
	Pattern  string         `koanf:"pattern"`
	OnError  string         `koanf:"on_error"`
	Columns  []ColumnConfig `koanf:"columns"`
}

// ColumnConfig declares one business column.
type ColumnConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"`
	Nullable bool   `koanf:"nullable"`
}

// Schema converts the declared columns.
func (t TableConfig) Schema() core.Schema {
	cols := make([]core.Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = core.Column{Name: c.Name, Type: core.ColumnType(c.Type), Nullable: c.Nullable}
	}
	return core.Schema{Columns: cols}
}

// DerivedConfig declares a derived table.
type DerivedConfig struct {
	Name      string        `koanf:"name"`
	Inputs    []string      `koanf:"inputs"`
	TargetLag time.Duration `koanf:"target_lag"`
	Recipe    recipe.Spec   `koanf:"recipe"`
}

// CheckConfig declares a quality check.
type CheckConfig struct {
	ID       string             `koanf:"id"`
	Table    string             `koanf:"table"`
	Interval time.Duration      `koanf:"interval"`
	Metric   quality.MetricSpec `koanf:"metric"`
}
