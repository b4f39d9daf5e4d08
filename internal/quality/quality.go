// Package quality evaluates data-quality checks against published table
// snapshots on a schedule and keeps their results as an append-only series.
package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Measurement is the raw output of a metric function.
type Measurement struct {
	RecordCount int64
	FailCount   int64
	// Value is the figure the check is classified on. Metrics that count
	// failures report FailCount; row_count reports RecordCount.
	Value float64
}

// MetricFunc measures one table snapshot. It must be deterministic and must
// not modify the snapshot.
type MetricFunc func(ctx context.Context, snap *core.TableSnapshot) (Measurement, error)

// Metric is a named metric function with its quality dimension.
type Metric struct {
	Name string
	Type core.CheckType
	Fn   MetricFunc
}

// Check is a metric bound to a table and a schedule.
type Check struct {
	ID       string
	Table    string
	Metric   Metric
	Interval time.Duration
}

// Validate checks that c can be registered.
func (c Check) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("check id is required")
	}
	if c.Table == "" {
		return fmt.Errorf("check %s: target table is required", c.ID)
	}
	if c.Metric.Fn == nil {
		return fmt.Errorf("check %s: metric function is required", c.ID)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("check %s: schedule interval must be positive", c.ID)
	}
	return nil
}

// Score is the pass rate as a percentage. An empty table passes vacuously.
func Score(recordCount, failCount int64) float64 {
	if recordCount <= 0 {
		return 100
	}
	if failCount < 0 {
		failCount = 0
	}
	if failCount > recordCount {
		failCount = recordCount
	}
	return 100 * float64(recordCount-failCount) / float64(recordCount)
}

// Classify maps a metric value to a status band for its dimension.
func Classify(t core.CheckType, value float64) core.QualityStatus {
	switch t {
	case core.CheckCompleteness:
		switch {
		case value == 0:
			return core.QualityExcellent
		case value <= 5:
			return core.QualityGood
		case value <= 20:
			return core.QualityFair
		default:
			return core.QualityNeedsAttention
		}
	case core.CheckUniqueness:
		switch {
		case value == 0:
			return core.QualityExcellent
		case value <= 2:
			return core.QualityGood
		default:
			return core.QualityNeedsAttention
		}
	case core.CheckValidity:
		switch {
		case value == 0:
			return core.QualityExcellent
		case value <= 3:
			return core.QualityGood
		default:
			return core.QualityNeedsAttention
		}
	default:
		return core.QualityMonitoring
	}
}
