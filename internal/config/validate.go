package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/quality"
	"github.com/leapstack-labs/leapflow/internal/recipe"
)

// Validate checks the configuration. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format must be text or json, got %q", c.LogFormat)
	}
	if err := c.Ingest.RetryBackoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := c.Refresh.RetryBackoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("refresh: %w", err))
	}

	names := make(map[string]string)
	for i, t := range c.Tables {
		if t.Name == "" {
			add("tables[%d]: name is required", i)
			continue
		}
		if prev, dup := names[t.Name]; dup {
			add("table %s: already defined as a %s table", t.Name, prev)
			continue
		}
		names[t.Name] = "raw"
		if err := t.Schema().Validate(); err != nil {
			add("table %s: %w", t.Name, err)
		}
		if t.OnError != "fail" && t.OnError != "continue" {
			add("table %s: on_error must be fail or continue, got %q", t.Name, t.OnError)
		}
	}

	for i, d := range c.Derived {
		if d.Name == "" {
			add("derived[%d]: name is required", i)
			continue
		}
		if prev, dup := names[d.Name]; dup {
			add("derived table %s: already defined as a %s table", d.Name, prev)
			continue
		}
		names[d.Name] = "derived"
	}
	for _, d := range c.Derived {
		if d.Name == "" {
			continue
		}
		if len(d.Inputs) == 0 {
			add("derived table %s: at least one input is required", d.Name)
		}
		for _, in := range d.Inputs {
			if _, ok := names[in]; !ok {
				add("derived table %s: unknown input %q", d.Name, in)
			}
		}
		if d.TargetLag < 0 {
			add("derived table %s: target_lag must not be negative", d.Name)
		}
		if _, err := recipe.New(d.Recipe, d.Inputs); err != nil {
			add("derived table %s: %w", d.Name, err)
		}
	}

	checkIDs := make(map[string]bool)
	for i, ch := range c.Checks {
		if ch.ID == "" {
			add("checks[%d]: id is required", i)
			continue
		}
		if checkIDs[ch.ID] {
			add("check %s: duplicate id", ch.ID)
		}
		checkIDs[ch.ID] = true
		if _, ok := names[ch.Table]; !ok {
			add("check %s: unknown table %q", ch.ID, ch.Table)
		}
		if ch.Interval <= 0 {
			add("check %s: interval must be positive", ch.ID)
		}
		if _, err := quality.NewMetric(ch.Metric); err != nil {
			add("check %s: %w", ch.ID, err)
		}
	}

	policyIDs := make(map[string]bool)
	for _, ps := range c.Policies {
		if _, err := policy.Build(ps); err != nil {
			errs = append(errs, err)
			continue
		}
		if policyIDs[ps.ID] {
			add("policy %s: duplicate id", ps.ID)
		}
		policyIDs[ps.ID] = true
		if ps.Table != "" {
			if _, ok := names[ps.Table]; !ok {
				add("policy %s: unknown table %q", ps.ID, ps.Table)
			}
		}
	}

	return errors.Join(errs...)
}

// ParseLevel converts a log_level setting to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", level)
	}
}
