package recipe

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/leapflow/internal/starlark"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

type derivedExpr struct {
	name string
	expr *starlark.Expr
}

// selectRecipe filters rows, computes derived columns, and projects.
type selectRecipe struct {
	from    string
	columns []string
	where   *starlark.Expr
	derive  []derivedExpr
}

func newSelect(spec Spec, inputs []string) (Recipe, error) {
	from, err := resolveFrom(spec.From, inputs)
	if err != nil {
		return nil, err
	}
	r := &selectRecipe{from: from, columns: spec.Columns}
	if spec.Where != "" {
		if r.where, err = starlark.Compile("where", spec.Where); err != nil {
			return nil, err
		}
	}
	for _, d := range spec.Derive {
		if d.Name == "" {
			return nil, fmt.Errorf("derived column name is required")
		}
		e, err := starlark.Compile(d.Name, d.Expr)
		if err != nil {
			return nil, err
		}
		r.derive = append(r.derive, derivedExpr{name: d.Name, expr: e})
	}
	return r, nil
}

func (r *selectRecipe) Evaluate(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
	src, err := input(inputs, r.from)
	if err != nil {
		return nil, err
	}

	columns := r.columns
	if len(columns) == 0 {
		columns = append([]string(nil), src.Columns...)
		for _, d := range r.derive {
			if !contains(columns, d.name) {
				columns = append(columns, d.name)
			}
		}
	}

	rows := make([]core.Row, 0, len(src.Rows))
	for i, in := range src.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.where != nil {
			keep, err := r.where.EvalBool(ctx, rowVars(in))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			if !keep {
				continue
			}
		}

		work := in
		if len(r.derive) > 0 {
			work = in.Clone()
			for _, d := range r.derive {
				v, err := d.expr.Eval(ctx, rowVars(work))
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", i+1, err)
				}
				work[d.name] = v
			}
		}

		out := make(core.Row, len(columns))
		for _, c := range columns {
			v, ok := work[c]
			if !ok && !src.HasColumn(c) && !r.derives(c) {
				return nil, fmt.Errorf("unknown column %q in %s", c, r.from)
			}
			out[c] = v
		}
		rows = append(rows, out)
	}

	return &core.TableSnapshot{Columns: columns, Rows: rows}, nil
}

func (r *selectRecipe) derives(name string) bool {
	for _, d := range r.derive {
		if d.name == name {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
