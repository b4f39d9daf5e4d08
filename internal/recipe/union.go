package recipe

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// unionRecipe concatenates all inputs in declaration order.
type unionRecipe struct {
	inputs  []string
	columns []string
}

func newUnion(spec Spec, inputs []string) (Recipe, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("union needs at least two inputs, got %d", len(inputs))
	}
	return &unionRecipe{inputs: inputs, columns: spec.Columns}, nil
}

func (r *unionRecipe) Evaluate(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
	snaps := make([]*core.TableSnapshot, len(r.inputs))
	total := 0
	for i, name := range r.inputs {
		snap, err := input(inputs, name)
		if err != nil {
			return nil, err
		}
		snaps[i] = snap
		total += snap.Len()
	}

	columns := r.columns
	if len(columns) == 0 {
		columns = snaps[0].Columns
	}

	rows := make([]core.Row, 0, total)
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, in := range snap.Rows {
			out := make(core.Row, len(columns))
			for _, c := range columns {
				out[c] = in[c]
			}
			rows = append(rows, out)
		}
	}
	return &core.TableSnapshot{Columns: append([]string(nil), columns...), Rows: rows}, nil
}
