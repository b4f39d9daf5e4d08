package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// ErrUnknownColumn is returned when a summary names a column the table
// does not have.
var ErrUnknownColumn = errors.New("unknown column")

// SummaryOptions selects the columns of a governance summary.
type SummaryOptions struct {
	// GroupBy counts distinct non-null values, e.g. brokers.
	GroupBy string
	// Measure is averaged and maximised over non-null numeric values.
	Measure string
}

// Summary aggregates what an identity can see of a table.
type Summary struct {
	Table          string           `json:"table"`
	Version        uint64           `json:"version"`
	Privilege      policy.Privilege `json:"-"`
	VisibleRecords int              `json:"visible_records"`
	DistinctGroups int              `json:"distinct_groups"`
	Average        float64          `json:"average"`
	Max            float64          `json:"max"`
}

// Summarize aggregates the policy-applied rows of table, so masked and
// filtered values are summarised exactly as id would read them.
func (f *Facade) Summarize(ctx context.Context, table string, id policy.Identity, opts SummaryOptions) (*Summary, error) {
	res, err := f.Read(ctx, table, id)
	if err != nil {
		return nil, err
	}
	for _, col := range []string{opts.GroupBy, opts.Measure} {
		if col != "" && !contains(res.Columns, col) {
			return nil, fmt.Errorf("%w: table %s has no column %q", ErrUnknownColumn, table, col)
		}
	}

	s := &Summary{
		Table:          res.Table,
		Version:        res.Version,
		Privilege:      res.Privilege,
		VisibleRecords: len(res.Rows),
	}
	groups := make(map[string]bool)
	var sum float64
	var n int
	for _, row := range res.Rows {
		if opts.GroupBy != "" {
			if v := row[opts.GroupBy]; v != nil {
				groups[fmt.Sprint(v)] = true
			}
		}
		if opts.Measure == "" {
			continue
		}
		v, ok := core.AsFloat(row[opts.Measure])
		if !ok {
			continue
		}
		if n == 0 || v > s.Max {
			s.Max = v
		}
		sum += v
		n++
	}
	s.DistinctGroups = len(groups)
	if n > 0 {
		s.Average = sum / float64(n)
	}
	return s, nil
}

func contains(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}
