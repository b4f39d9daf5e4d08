package recipe

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/leapflow/internal/starlark"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Aggregate functions.
const (
	AggCount         = "count"
	AggCountIf       = "count_if"
	AggCountDistinct = "count_distinct"
	AggSum           = "sum"
	AggAvg           = "avg"
	AggMin           = "min"
	AggMax           = "max"
)

type aggregator struct {
	Aggregate
	where *starlark.Expr
}

// aggregateRecipe groups rows and computes aggregates per group.
// Output rows are ordered by group key.
type aggregateRecipe struct {
	from    string
	where   *starlark.Expr
	groupBy []string
	aggs    []aggregator
}

func newAggregate(spec Spec, inputs []string) (Recipe, error) {
	from, err := resolveFrom(spec.From, inputs)
	if err != nil {
		return nil, err
	}
	if len(spec.Aggregates) == 0 {
		return nil, fmt.Errorf("aggregate recipe needs at least one aggregate")
	}
	r := &aggregateRecipe{from: from, groupBy: spec.GroupBy}
	if spec.Where != "" {
		if r.where, err = starlark.Compile("where", spec.Where); err != nil {
			return nil, err
		}
	}
	for _, a := range spec.Aggregates {
		if a.Name == "" {
			return nil, fmt.Errorf("aggregate name is required")
		}
		agg := aggregator{Aggregate: a}
		switch a.Func {
		case AggCount:
		case AggCountIf:
			if a.Where == "" {
				return nil, fmt.Errorf("aggregate %s: count_if needs 'where'", a.Name)
			}
		case AggCountDistinct, AggSum, AggAvg, AggMin, AggMax:
			if a.Column == "" {
				return nil, fmt.Errorf("aggregate %s: %s needs 'column'", a.Name, a.Func)
			}
		default:
			return nil, fmt.Errorf("aggregate %s: unknown function %q", a.Name, a.Func)
		}
		if a.Where != "" {
			if agg.where, err = starlark.Compile(a.Name, a.Where); err != nil {
				return nil, err
			}
		}
		r.aggs = append(r.aggs, agg)
	}
	return r, nil
}

type group struct {
	key   []any
	rows  []core.Row
	order string
}

func (r *aggregateRecipe) Evaluate(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
	src, err := input(inputs, r.from)
	if err != nil {
		return nil, err
	}
	for _, c := range r.groupBy {
		if !src.HasColumn(c) {
			return nil, fmt.Errorf("unknown group_by column %q in %s", c, r.from)
		}
	}

	groups := make(map[string]*group)
	for i, row := range src.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.where != nil {
			keep, err := r.where.EvalBool(ctx, rowVars(row))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			if !keep {
				continue
			}
		}
		key := make([]any, len(r.groupBy))
		parts := make([]string, len(r.groupBy))
		for j, c := range r.groupBy {
			key[j] = row[c]
			parts[j] = keyString(row[c])
		}
		k := strings.Join(parts, "\x00")
		g, ok := groups[k]
		if !ok {
			g = &group{key: key, order: k}
			groups[k] = g
		}
		g.rows = append(g.rows, row)
	}

	// A global aggregate over no rows still yields one row.
	if len(r.groupBy) == 0 && len(groups) == 0 {
		groups[""] = &group{}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	columns := append([]string(nil), r.groupBy...)
	for _, a := range r.aggs {
		columns = append(columns, a.Name)
	}

	rows := make([]core.Row, 0, len(ordered))
	for _, g := range ordered {
		out := make(core.Row, len(columns))
		for j, c := range r.groupBy {
			out[c] = g.key[j]
		}
		for _, a := range r.aggs {
			v, err := a.compute(ctx, g.rows)
			if err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", a.Name, err)
			}
			out[a.Name] = v
		}
		rows = append(rows, out)
	}
	return &core.TableSnapshot{Columns: columns, Rows: rows}, nil
}

func (a aggregator) compute(ctx context.Context, rows []core.Row) (any, error) {
	if a.where != nil {
		kept := make([]core.Row, 0, len(rows))
		for _, row := range rows {
			ok, err := a.where.EvalBool(ctx, rowVars(row))
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	switch a.Func {
	case AggCount, AggCountIf:
		return int64(len(rows)), nil

	case AggCountDistinct:
		seen := make(map[string]bool)
		for _, row := range rows {
			if v := row[a.Column]; v != nil {
				seen[keyString(v)] = true
			}
		}
		return int64(len(seen)), nil

	case AggSum, AggAvg:
		var sum float64
		var isum int64
		allInt := true
		n := 0
		for _, row := range rows {
			v := row[a.Column]
			if v == nil {
				continue
			}
			f, ok := core.AsFloat(v)
			if !ok {
				return nil, fmt.Errorf("column %s: non-numeric value %v", a.Column, v)
			}
			if i, isInt := v.(int64); isInt {
				isum += i
			} else {
				allInt = false
			}
			sum += f
			n++
		}
		if a.Func == AggSum {
			if allInt {
				return isum, nil
			}
			return a.round(sum), nil
		}
		if n == 0 {
			return nil, nil
		}
		return a.round(sum / float64(n)), nil

	case AggMin, AggMax:
		var best any
		for _, row := range rows {
			v := row[a.Column]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c, err := compare(v, best)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", a.Column, err)
			}
			if (a.Func == AggMin && c < 0) || (a.Func == AggMax && c > 0) {
				best = v
			}
		}
		if f, ok := best.(float64); ok {
			return a.round(f), nil
		}
		return best, nil
	}
	return nil, fmt.Errorf("unknown function %q", a.Func)
}

func (a aggregator) round(f float64) float64 {
	if a.Round == nil {
		return f
	}
	p := math.Pow(10, float64(*a.Round))
	return math.Round(f*p) / p
}

// compare orders two non-nil values of compatible types.
func compare(x, y any) (int, error) {
	if fx, ok := core.AsFloat(x); ok {
		fy, ok := core.AsFloat(y)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", x, y)
		}
		switch {
		case fx < fy:
			return -1, nil
		case fx > fy:
			return 1, nil
		}
		return 0, nil
	}
	switch vx := x.(type) {
	case string:
		vy, ok := y.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", x, y)
		}
		return strings.Compare(vx, vy), nil
	case time.Time:
		vy, ok := y.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", x, y)
		}
		return vx.Compare(vy), nil
	}
	return 0, fmt.Errorf("cannot order values of type %T", x)
}

func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x01"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
