package recipe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

func claims() *core.TableSnapshot {
	return &core.TableSnapshot{
		Name:    "claims",
		Version: 3,
		Columns: []string{"claim_id", "state", "claim_amount", "risk_level"},
		Rows: []core.Row{
			{"claim_id": "c1", "state": "CO", "claim_amount": 73450.0, "risk_level": "HIGH"},
			{"claim_id": "c2", "state": "UT", "claim_amount": 1200.0, "risk_level": "LOW"},
			{"claim_id": "c3", "state": "CO", "claim_amount": 5000.0, "risk_level": "MEDIUM"},
			{"claim_id": "c4", "state": "TX", "claim_amount": nil, "risk_level": "HIGH"},
		},
	}
}

func inputs() map[string]*core.TableSnapshot {
	return map[string]*core.TableSnapshot{"claims": claims()}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Spec{Kind: "pivot"}, []string{"claims"})
	var unknown *UnknownKindError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "pivot", unknown.Kind)
	assert.Equal(t, []string{"aggregate", "select", "union"}, unknown.Available)
}

func TestNew_FromMustBeInput(t *testing.T) {
	_, err := New(Spec{From: "brokers"}, []string{"claims"})
	assert.Error(t, err)

	_, err = New(Spec{}, []string{"claims", "brokers"})
	assert.Error(t, err, "ambiguous source")
}

func TestSelect(t *testing.T) {
	r, err := New(Spec{
		Where:   `state in ["CO", "UT"]`,
		Columns: []string{"claim_id", "amount_k"},
		Derive:  []Derived{{Name: "amount_k", Expr: "claim_amount / 1000"}},
	}, []string{"claims"})
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), inputs())
	require.NoError(t, err)
	assert.Equal(t, []string{"claim_id", "amount_k"}, out.Columns)
	require.Len(t, out.Rows, 3)
	assert.Equal(t, core.Row{"claim_id": "c1", "amount_k": 73.45}, out.Rows[0])
}

func TestSelect_DefaultColumnsIncludeDerived(t *testing.T) {
	r, err := New(Spec{
		Kind:   "select",
		Derive: []Derived{{Name: "is_high", Expr: `risk_level == "HIGH"`}},
	}, []string{"claims"})
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), inputs())
	require.NoError(t, err)
	assert.Equal(t, []string{"claim_id", "state", "claim_amount", "risk_level", "is_high"}, out.Columns)
	assert.Equal(t, true, out.Rows[0]["is_high"])
	assert.Equal(t, false, out.Rows[1]["is_high"])
}

func TestSelect_DoesNotMutateInput(t *testing.T) {
	in := inputs()
	r, err := New(Spec{Derive: []Derived{{Name: "x", Expr: "1"}}}, []string{"claims"})
	require.NoError(t, err)

	_, err = r.Evaluate(context.Background(), in)
	require.NoError(t, err)
	_, has := in["claims"].Rows[0]["x"]
	assert.False(t, has)
}

func TestSelect_Errors(t *testing.T) {
	_, err := New(Spec{Where: "state in ("}, []string{"claims"})
	assert.Error(t, err, "parse error")

	r, err := New(Spec{Where: "nope == 1"}, []string{"claims"})
	require.NoError(t, err)
	_, err = r.Evaluate(context.Background(), inputs())
	assert.Error(t, err, "undefined variable")

	r, err = New(Spec{Columns: []string{"missing"}}, []string{"claims"})
	require.NoError(t, err)
	_, err = r.Evaluate(context.Background(), inputs())
	assert.Error(t, err)

	_, err = r.Evaluate(context.Background(), map[string]*core.TableSnapshot{})
	assert.ErrorIs(t, err, core.ErrTableNotFound)
}

func TestUnion(t *testing.T) {
	east := &core.TableSnapshot{Columns: []string{"id", "state"}, Rows: []core.Row{{"id": "1", "state": "CO"}}}
	west := &core.TableSnapshot{Columns: []string{"id", "state", "extra"}, Rows: []core.Row{{"id": "2", "state": "UT", "extra": 1}}}

	r, err := New(Spec{Kind: "union"}, []string{"east", "west"})
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), map[string]*core.TableSnapshot{"east": east, "west": west})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "state"}, out.Columns)
	assert.Equal(t, []core.Row{{"id": "1", "state": "CO"}, {"id": "2", "state": "UT"}}, out.Rows)

	_, err = New(Spec{Kind: "union"}, []string{"east"})
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	zero := 0
	r, err := New(Spec{
		Kind:    "aggregate",
		GroupBy: []string{"state"},
		Aggregates: []Aggregate{
			{Name: "claims", Func: AggCount},
			{Name: "high", Func: AggCountIf, Where: `risk_level == "HIGH"`},
			{Name: "avg_amount", Func: AggAvg, Column: "claim_amount", Round: &zero},
			{Name: "max_amount", Func: AggMax, Column: "claim_amount"},
			{Name: "total", Func: AggSum, Column: "claim_amount"},
		},
	}, []string{"claims"})
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), inputs())
	require.NoError(t, err)
	assert.Equal(t, []string{"state", "claims", "high", "avg_amount", "max_amount", "total"}, out.Columns)
	require.Len(t, out.Rows, 3)

	assert.Equal(t, core.Row{"state": "CO", "claims": int64(2), "high": int64(1), "avg_amount": 39225.0, "max_amount": 73450.0, "total": 78450.0}, out.Rows[0])
	assert.Equal(t, core.Row{"state": "TX", "claims": int64(1), "high": int64(1), "avg_amount": nil, "max_amount": nil, "total": int64(0)}, out.Rows[1])
	assert.Equal(t, "UT", out.Rows[2]["state"])
}

func TestAggregate_Global(t *testing.T) {
	r, err := New(Spec{
		Kind: "aggregate",
		Aggregates: []Aggregate{
			{Name: "states", Func: AggCountDistinct, Column: "state"},
			{Name: "min_amount", Func: AggMin, Column: "claim_amount"},
		},
	}, []string{"claims"})
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), inputs())
	require.NoError(t, err)
	assert.Equal(t, []core.Row{{"states": int64(3), "min_amount": 1200.0}}, out.Rows)

	empty := map[string]*core.TableSnapshot{"claims": {Columns: claims().Columns}}
	out, err = r.Evaluate(context.Background(), empty)
	require.NoError(t, err)
	assert.Equal(t, []core.Row{{"states": int64(0), "min_amount": nil}}, out.Rows)
}

func TestAggregate_Validation(t *testing.T) {
	tests := []struct {
		name string
		aggs []Aggregate
	}{
		{"none", nil},
		{"unknown func", []Aggregate{{Name: "x", Func: "median", Column: "a"}}},
		{"missing column", []Aggregate{{Name: "x", Func: AggSum}}},
		{"count_if without where", []Aggregate{{Name: "x", Func: AggCountIf}}},
		{"missing name", []Aggregate{{Func: AggCount}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Spec{Kind: "aggregate", Aggregates: tt.aggs}, []string{"claims"})
			assert.Error(t, err)
		})
	}
}

func TestFunc(t *testing.T) {
	called := false
	var r Recipe = Func(func(_ context.Context, in map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
		called = true
		return in["claims"], nil
	})
	out, err := r.Evaluate(context.Background(), inputs())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 4, out.Len())
}
