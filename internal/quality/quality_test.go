package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapflow/internal/starlark"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

func TestScore(t *testing.T) {
	tests := []struct {
		records, fails int64
		want           float64
	}{
		{0, 0, 100},
		{10, 10, 0},
		{10, 0, 100},
		{4, 1, 75},
		{10, 12, 0},
		{10, -1, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Score(tt.records, tt.fails), 1e-9, "records=%d fails=%d", tt.records, tt.fails)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		typ   core.CheckType
		value float64
		want  core.QualityStatus
	}{
		{core.CheckCompleteness, 0, core.QualityExcellent},
		{core.CheckCompleteness, 5, core.QualityGood},
		{core.CheckCompleteness, 6, core.QualityFair},
		{core.CheckCompleteness, 20, core.QualityFair},
		{core.CheckCompleteness, 21, core.QualityNeedsAttention},
		{core.CheckUniqueness, 0, core.QualityExcellent},
		{core.CheckUniqueness, 2, core.QualityGood},
		{core.CheckUniqueness, 3, core.QualityNeedsAttention},
		{core.CheckValidity, 0, core.QualityExcellent},
		{core.CheckValidity, 3, core.QualityGood},
		{core.CheckValidity, 4, core.QualityNeedsAttention},
		{core.CheckVolume, 1000, core.QualityMonitoring},
		{core.CheckOther, 0, core.QualityMonitoring},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.typ, tt.value), "%s=%v", tt.typ, tt.value)
	}
}

func claims() *core.TableSnapshot {
	return &core.TableSnapshot{
		Name:    "claims_raw",
		Version: 1,
		Columns: []string{"claim_id", "state", "claim_amount"},
		Rows: []core.Row{
			{"claim_id": "C1", "state": "CO", "claim_amount": 73450.0},
			{"claim_id": "C2", "state": "UT", "claim_amount": 50.0},
			{"claim_id": "C2", "state": nil, "claim_amount": 900000.0},
			{"claim_id": "C3", "state": "WY", "claim_amount": nil},
			{"claim_id": "C3", "state": "CO", "claim_amount": int64(1200)},
		},
	}
}

func TestBuiltinMetrics(t *testing.T) {
	lo, hi := 100.0, 500000.0
	tests := []struct {
		name   string
		metric Metric
		want   Measurement
	}{
		{"row count", RowCount(), Measurement{RecordCount: 5, Value: 5}},
		{"null count", NullCount("claim_amount"), Measurement{RecordCount: 5, FailCount: 1, Value: 1}},
		{"duplicate count", DuplicateCount("claim_id"), Measurement{RecordCount: 5, FailCount: 2, Value: 2}},
		{"range", Range("claim_amount", &lo, &hi), Measurement{RecordCount: 5, FailCount: 2, Value: 2}},
		{
			"invalid count",
			InvalidCount(starlark.MustCompile("invalid", `state == None or state not in ["CO", "UT", "WY"]`)),
			Measurement{RecordCount: 5, FailCount: 1, Value: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.metric.Fn(context.Background(), claims())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltinMetrics_MissingColumn(t *testing.T) {
	_, err := NullCount("nope").Fn(context.Background(), claims())
	assert.ErrorContains(t, err, `column "nope" not found`)
}

func TestNewMetric(t *testing.T) {
	zero := 0.0
	tests := []struct {
		name     string
		spec     MetricSpec
		wantName string
		wantType core.CheckType
		wantErr  string
	}{
		{"row count", MetricSpec{Kind: KindRowCount}, "ROW_COUNT", core.CheckVolume, ""},
		{"null count", MetricSpec{Kind: KindNullCount, Column: "state"}, "NULL_COUNT(state)", core.CheckCompleteness, ""},
		{"duplicate count", MetricSpec{Kind: KindDuplicateCount, Column: "claim_id"}, "DUPLICATE_COUNT(claim_id)", core.CheckUniqueness, ""},
		{"invalid count", MetricSpec{Kind: KindInvalidCount, Expr: "claim_amount < 0"}, "INVALID_COUNT(claim_amount < 0)", core.CheckValidity, ""},
		{"range", MetricSpec{Kind: KindRange, Column: "claim_amount", Min: &zero}, "INVALID_RANGE(claim_amount)", core.CheckValidity, ""},
		{"null count without column", MetricSpec{Kind: KindNullCount}, "", "", "column is required"},
		{"range without bounds", MetricSpec{Kind: KindRange, Column: "x"}, "", "", "min or max"},
		{"bad expression", MetricSpec{Kind: KindInvalidCount, Expr: "claim_amount <"}, "", "", "invalid_count"},
		{"unknown", MetricSpec{Kind: "entropy"}, "", "", `unknown metric kind "entropy"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMetric(tt.spec)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, m.Name)
			assert.Equal(t, tt.wantType, m.Type)
		})
	}

	var unknown *UnknownMetricError
	_, err := NewMetric(MetricSpec{Kind: "entropy"})
	assert.True(t, errors.As(err, &unknown))
}

type tables map[string]*core.TableSnapshot

func (ts tables) Snapshot(name string) (*core.TableSnapshot, error) {
	s, ok := ts[name]
	if !ok {
		return nil, core.ErrTableNotFound
	}
	return s, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newEngine(t *testing.T, clk *clock) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts := Options{Logger: testutil.NewTestLogger(t)}
	if clk != nil {
		opts.Clock = clk.Now
	}
	return New(tables{"claims_raw": claims()}, store, opts), store
}

func TestEngine_Register(t *testing.T) {
	e, _ := newEngine(t, nil)
	good := Check{ID: "nulls", Table: "claims_raw", Metric: NullCount("state"), Interval: time.Minute}
	require.NoError(t, e.Register(good))
	assert.ErrorContains(t, e.Register(good), "already registered")

	assert.Error(t, e.Register(Check{Table: "t", Metric: RowCount(), Interval: time.Minute}))
	assert.Error(t, e.Register(Check{ID: "x", Metric: RowCount(), Interval: time.Minute}))
	assert.Error(t, e.Register(Check{ID: "x", Table: "t", Interval: time.Minute}))
	assert.Error(t, e.Register(Check{ID: "x", Table: "t", Metric: RowCount()}))

	assert.Len(t, e.Checks(), 1)
	assert.True(t, e.Unregister("nulls"))
	assert.False(t, e.Unregister("nulls"))
}

func TestEngine_Evaluate(t *testing.T) {
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	e, store := newEngine(t, clk)
	require.NoError(t, e.Register(Check{ID: "dups", Table: "claims_raw", Metric: DuplicateCount("claim_id"), Interval: time.Minute}))

	res, err := e.Evaluate(context.Background(), "dups")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "claims_raw", res.Table)
	assert.Equal(t, core.CheckUniqueness, res.CheckType)
	assert.Equal(t, int64(5), res.RecordCount)
	assert.Equal(t, int64(2), res.FailCount)
	assert.InDelta(t, 60.0, res.Score, 1e-9)
	assert.Equal(t, core.QualityGood, res.Status)
	assert.Equal(t, clk.Now(), res.MeasuredAt)
	assert.False(t, res.Failed())

	history, err := store.QualityHistory(context.Background(), "claims_raw", time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = e.Evaluate(context.Background(), "missing")
	assert.Error(t, err)
}

func TestEngine_EvaluateErrorsBecomeResults(t *testing.T) {
	e, _ := newEngine(t, nil)
	require.NoError(t, e.Register(Check{ID: "gone", Table: "dropped", Metric: RowCount(), Interval: time.Minute}))
	panicky := Metric{Name: "PANIC", Type: core.CheckOther, Fn: func(context.Context, *core.TableSnapshot) (Measurement, error) {
		panic("boom")
	}}
	require.NoError(t, e.Register(Check{ID: "panics", Table: "claims_raw", Metric: panicky, Interval: time.Minute}))

	res, err := e.Evaluate(context.Background(), "gone")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, core.QualityError, res.Status)
	assert.Contains(t, res.Error, "table not found")

	res, err = e.Evaluate(context.Background(), "panics")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "boom")

	assert.Len(t, e.Latest(), 2)
}

func TestEngine_History(t *testing.T) {
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	e, _ := newEngine(t, clk)
	require.NoError(t, e.Register(Check{ID: "rows", Table: "claims_raw", Metric: RowCount(), Interval: time.Minute}))

	for i := 0; i < 5; i++ {
		_, err := e.Evaluate(context.Background(), "rows")
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}

	all, err := e.History(context.Background(), "claims_raw", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].MeasuredAt.Before(all[i].MeasuredAt))
	}

	recent, err := e.History(context.Background(), "claims_raw", 2*time.Hour)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	none, err := e.History(context.Background(), "other", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEngine_RunKeepsCadence(t *testing.T) {
	store := NewMemoryStore()
	e := New(tables{"claims_raw": claims()}, store, Options{
		Resolution: 5 * time.Millisecond,
		Logger:     testutil.NewTestLogger(t),
	})
	require.NoError(t, e.Register(Check{ID: "rows", Table: "claims_raw", Metric: RowCount(), Interval: 20 * time.Millisecond}))
	require.NoError(t, e.Register(Check{ID: "gone", Table: "dropped", Metric: RowCount(), Interval: 20 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		ok, _ := store.QualityHistory(context.Background(), "claims_raw", time.Time{})
		failed, _ := store.QualityHistory(context.Background(), "dropped", time.Time{})
		return len(ok) >= 3 && len(failed) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSummarize(t *testing.T) {
	results := func(statuses ...core.QualityStatus) []*core.QualityResult {
		var out []*core.QualityResult
		for _, s := range statuses {
			out = append(out, &core.QualityResult{Status: s})
		}
		return out
	}

	tests := []struct {
		name      string
		results   []*core.QualityResult
		score     float64
		rating    string
		attention int
	}{
		{"empty", nil, 0, RatingNoData, 0},
		{"all excellent", results(core.QualityExcellent, core.QualityExcellent), 100, "EXCELLENT", 0},
		{"excellent and good", results(core.QualityExcellent, core.QualityGood), 92.5, "GOOD", 0},
		{"mixed", results(core.QualityExcellent, core.QualityGood, core.QualityMonitoring, core.QualityNeedsAttention), 46.25, "NEEDS ATTENTION", 1},
		{"fair", results(core.QualityExcellent, core.QualityExcellent, core.QualityGood, core.QualityFair), 71.25, "FAIR", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.results)
			assert.InDelta(t, tt.score, s.Score, 1e-9)
			assert.Equal(t, tt.rating, s.Rating)
			assert.Equal(t, tt.attention, s.NeedsAttention)
			assert.Equal(t, len(tt.results), s.Total)
		})
	}
}

func TestFreshnessOf(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		age  time.Duration
		want FreshnessStatus
	}{
		{0, FreshnessFresh},
		{30 * time.Minute, FreshnessFresh},
		{31 * time.Minute, FreshnessAcceptable},
		{120 * time.Minute, FreshnessAcceptable},
		{121 * time.Minute, FreshnessStale},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FreshnessOf(now.Add(-tt.age), now).Status, "age %s", tt.age)
	}
	assert.Equal(t, FreshnessUnknown, FreshnessOf(time.Time{}, now).Status)
}

func TestBuildReport(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	healthy := BuildReport([]*core.QualityResult{{Status: core.QualityExcellent}}, now.Add(-time.Minute), now)
	assert.Equal(t, []string{"pipeline is healthy: continue monitoring"}, healthy.Recommendations)

	latest := []*core.QualityResult{
		{CheckID: "a", Status: core.QualityNeedsAttention, Value: 12},
		{CheckID: "b", Status: core.QualityError, Error: "table not found"},
		{CheckID: "c", Status: core.QualityExcellent},
	}
	r := BuildReport(latest, now.Add(-3*time.Hour), now)
	assert.Equal(t, FreshnessStale, r.Freshness.Status)
	require.Len(t, r.Attention, 1)
	assert.Equal(t, "critical", Severity(r.Attention[0]))
	require.Len(t, r.Failing, 1)
	assert.Len(t, r.Recommendations, 4)
}
