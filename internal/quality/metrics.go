package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/starlark"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// MetricSpec is the configuration form of a built-in metric.
type MetricSpec struct {
	Kind   string   `koanf:"kind"`
	Column string   `koanf:"column"`
	Expr   string   `koanf:"expr"`
	Min    *float64 `koanf:"min"`
	Max    *float64 `koanf:"max"`
}

// Built-in metric kinds.
const (
	KindRowCount       = "row_count"
	KindNullCount      = "null_count"
	KindDuplicateCount = "duplicate_count"
	KindInvalidCount   = "invalid_count"
	KindRange          = "range"
)

// UnknownMetricError is returned for a metric kind that is not built in.
type UnknownMetricError struct {
	Kind      string
	Available []string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric kind %q, available: %s", e.Kind, strings.Join(e.Available, ", "))
}

// NewMetric builds a built-in metric from its configuration.
func NewMetric(spec MetricSpec) (Metric, error) {
	needColumn := func() error {
		if spec.Column == "" {
			return fmt.Errorf("%s: column is required", spec.Kind)
		}
		return nil
	}
	switch spec.Kind {
	case KindRowCount:
		return RowCount(), nil
	case KindNullCount:
		if err := needColumn(); err != nil {
			return Metric{}, err
		}
		return NullCount(spec.Column), nil
	case KindDuplicateCount:
		if err := needColumn(); err != nil {
			return Metric{}, err
		}
		return DuplicateCount(spec.Column), nil
	case KindInvalidCount:
		expr, err := starlark.Compile(KindInvalidCount, spec.Expr)
		if err != nil {
			return Metric{}, err
		}
		return InvalidCount(expr), nil
	case KindRange:
		if err := needColumn(); err != nil {
			return Metric{}, err
		}
		if spec.Min == nil && spec.Max == nil {
			return Metric{}, fmt.Errorf("range: min or max is required")
		}
		return Range(spec.Column, spec.Min, spec.Max), nil
	default:
		return Metric{}, &UnknownMetricError{
			Kind:      spec.Kind,
			Available: []string{KindDuplicateCount, KindInvalidCount, KindNullCount, KindRange, KindRowCount},
		}
	}
}

// RowCount measures table volume.
func RowCount() Metric {
	return Metric{
		Name: "ROW_COUNT",
		Type: core.CheckVolume,
		Fn: func(_ context.Context, snap *core.TableSnapshot) (Measurement, error) {
			n := int64(snap.Len())
			return Measurement{RecordCount: n, Value: float64(n)}, nil
		},
	}
}

// NullCount counts rows where column is null.
func NullCount(column string) Metric {
	return Metric{
		Name: "NULL_COUNT(" + column + ")",
		Type: core.CheckCompleteness,
		Fn: countFailing(column, func(v any) (bool, error) {
			return v == nil, nil
		}),
	}
}

// DuplicateCount counts rows whose non-null column value already appeared
// in an earlier row.
func DuplicateCount(column string) Metric {
	return Metric{
		Name: "DUPLICATE_COUNT(" + column + ")",
		Type: core.CheckUniqueness,
		Fn: func(_ context.Context, snap *core.TableSnapshot) (Measurement, error) {
			seen := make(map[any]struct{}, snap.Len())
			return count(snap, column, func(v any) (bool, error) {
				if v == nil {
					return false, nil
				}
				if _, dup := seen[v]; dup {
					return true, nil
				}
				seen[v] = struct{}{}
				return false, nil
			})
		},
	}
}

// InvalidCount counts rows for which expr is true. The row's columns are
// bound as variables.
func InvalidCount(expr *starlark.Expr) Metric {
	return Metric{
		Name: "INVALID_COUNT(" + expr.Source() + ")",
		Type: core.CheckValidity,
		Fn: func(ctx context.Context, snap *core.TableSnapshot) (Measurement, error) {
			var fails int64
			for i, row := range snap.Rows {
				bad, err := expr.EvalBool(ctx, row)
				if err != nil {
					return Measurement{}, fmt.Errorf("row %d: %w", i+1, err)
				}
				if bad {
					fails++
				}
			}
			n := int64(snap.Len())
			return Measurement{RecordCount: n, FailCount: fails, Value: float64(fails)}, nil
		},
	}
}

// Range counts rows whose column is outside [min, max]. Nulls are ignored;
// non-numeric values count as out of range.
func Range(column string, lo, hi *float64) Metric {
	bounds := func(f float64) bool {
		return (lo == nil || f >= *lo) && (hi == nil || f <= *hi)
	}
	return Metric{
		Name: fmt.Sprintf("INVALID_RANGE(%s)", column),
		Type: core.CheckValidity,
		Fn: countFailing(column, func(v any) (bool, error) {
			if v == nil {
				return false, nil
			}
			f, ok := core.AsFloat(v)
			return !ok || !bounds(f), nil
		}),
	}
}

func countFailing(column string, failing func(any) (bool, error)) MetricFunc {
	return func(_ context.Context, snap *core.TableSnapshot) (Measurement, error) {
		return count(snap, column, failing)
	}
}

func count(snap *core.TableSnapshot, column string, failing func(any) (bool, error)) (Measurement, error) {
	if !snap.HasColumn(column) {
		return Measurement{}, fmt.Errorf("column %q not found", column)
	}
	var fails int64
	for _, row := range snap.Rows {
		bad, err := failing(row[column])
		if err != nil {
			return Measurement{}, err
		}
		if bad {
			fails++
		}
	}
	n := int64(snap.Len())
	return Measurement{RecordCount: n, FailCount: fails, Value: float64(fails)}, nil
}
