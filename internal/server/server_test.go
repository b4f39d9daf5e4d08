package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapflow/internal/access"
	"github.com/leapstack-labs/leapflow/internal/ingest"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/refresh"
	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

type fakeCatalog map[string]*core.TableSnapshot

func (c fakeCatalog) Snapshot(name string) (*core.TableSnapshot, error) {
	snap, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	return snap, nil
}

func (c fakeCatalog) Tables() []string {
	return []string{"broker_risk_view"}
}

type fakeIngestor struct {
	mu      sync.Mutex
	notices []ingest.FileNotice
}

func (f *fakeIngestor) Submit(_ context.Context, n ingest.FileNotice) error {
	if n.TargetTable != "claims" {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, n.TargetTable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

type fakeRefresher struct{}

func (fakeRefresher) States() []core.RefreshState {
	return []core.RefreshState{{
		Node:              "broker_risk_view",
		Status:            core.RefreshStatusFresh,
		Version:           3,
		RowCount:          5,
		LastInputVersions: map[string]uint64{"claims": 2},
		LastRefreshedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
}

func (fakeRefresher) Nodes() []refresh.NodeInfo {
	return []refresh.NodeInfo{{Name: "broker_risk_view", Inputs: []string{"claims"}, TargetLag: time.Minute, Level: 1}}
}

func (fakeRefresher) Levels() ([][]string, error) {
	return [][]string{{"broker_risk_view"}}, nil
}

func (fakeRefresher) Refresh(_ context.Context, name string) (*refresh.Report, error) {
	if name != "broker_risk_view" {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	return &refresh.Report{Outcomes: map[string]refresh.Outcome{name: refresh.OutcomeRefreshed}}, nil
}

type fakeQuality struct {
	window time.Duration
	table  string
}

var measured = time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

func (fakeQuality) Latest() []*core.QualityResult {
	return []*core.QualityResult{
		{CheckID: "claims_complete", Table: "claims", Metric: "completeness", CheckType: core.CheckCompleteness,
			MeasuredAt: measured, Value: 99.5, RecordCount: 200, Score: 99.5, Status: core.QualityExcellent},
		{CheckID: "claims_unique", Table: "claims", Metric: "uniqueness", CheckType: core.CheckUniqueness,
			MeasuredAt: measured, Value: 60, RecordCount: 200, Score: 60, Status: core.QualityNeedsAttention},
	}
}

func (q *fakeQuality) History(_ context.Context, table string, window time.Duration) ([]*core.QualityResult, error) {
	q.table, q.window = table, window
	return q.Latest(), nil
}

type fixture struct {
	handler  http.Handler
	ingestor *fakeIngestor
	quality  *fakeQuality
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := policy.NewEngine(
		policy.NewResolver(policy.PrivilegeConfig{FullAccessRoles: []string{"INTERNAL_ANALYST"}}),
		nil,
	)
	require.NoError(t, policy.LoadAll(engine, []policy.Spec{
		{
			ID: "west_states", Kind: policy.KindRowFilter, Table: "broker_risk_view", Column: "state",
			Filter: policy.FilterSpec{Predicate: "in", Values: []string{"CO", "UT", "WY"}},
		},
		{
			ID: "amount_floor", Kind: policy.KindMask, Table: "broker_risk_view", Column: "claim_amount",
			Mask: policy.MaskSpec{Transform: "floor", Bucket: 10000},
		},
	}))
	cat := fakeCatalog{"broker_risk_view": &core.TableSnapshot{
		Name:    "broker_risk_view",
		Version: 7,
		Columns: []string{"claim_id", "state", "broker", "claim_amount"},
		Rows: []core.Row{
			{"claim_id": "C1", "state": "CO", "broker": "Alpine", "claim_amount": 73450.0},
			{"claim_id": "C2", "state": "CA", "broker": "Coastal", "claim_amount": 120000.0},
			{"claim_id": "C3", "state": "UT", "broker": "Alpine", "claim_amount": 15500.0},
		},
	}}
	logger := testutil.NewTestLogger(t)

	f := &fixture{ingestor: &fakeIngestor{}, quality: &fakeQuality{}}
	srv := New(Config{
		Reader:    access.New(cat, engine, nil, logger),
		Catalog:   cat,
		Ingestor:  f.ingestor,
		Refresher: fakeRefresher{},
		Quality:   f.quality,
		LastLoad:  func() time.Time { return measured },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("leapflow_up 1\n"))
		}),
		Logger: logger,
		Clock:  func() time.Time { return measured.Add(10 * time.Minute) },
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestIdentityFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUser, "broker1")
	req.Header.Set(HeaderRoles, " BROKER , ,auditor")
	req.Header.Set(HeaderAccount, "acct-9")

	assert.Equal(t, policy.Identity{User: "broker1", Roles: []string{"BROKER", "auditor"}, Account: "acct-9"}, IdentityFrom(req))
	assert.Empty(t, IdentityFrom(httptest.NewRequest(http.MethodGet, "/", nil)).Roles)
}

func TestReadTable(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		roles     string
		wantRows  int
		wantPriv  string
		wantFirst float64
	}{
		{name: "restricted", roles: "BROKER", wantRows: 2, wantPriv: "restricted", wantFirst: 70000},
		{name: "full", roles: "internal_analyst", wantRows: 3, wantPriv: "full", wantFirst: 73450},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, "/v1/tables/broker_risk_view", "", map[string]string{
				HeaderUser:  "someone",
				HeaderRoles: tt.roles,
			})
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.wantPriv, body["privilege"])
			assert.EqualValues(t, 7, body["version"])
			rows := body["rows"].([]any)
			require.Len(t, rows, tt.wantRows)
			assert.EqualValues(t, tt.wantFirst, rows[0].(map[string]any)["claim_amount"])
		})
	}
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "unknown table", method: http.MethodGet, path: "/v1/tables/nope", want: http.StatusNotFound},
		{name: "unknown summary column", method: http.MethodGet, path: "/v1/tables/broker_risk_view/summary?measure=premium", want: http.StatusBadRequest},
		{name: "malformed notice", method: http.MethodPost, path: "/v1/ingest", body: "{", want: http.StatusBadRequest},
		{name: "unknown notice field", method: http.MethodPost, path: "/v1/ingest", body: `{"file_id":"a","path":"b"}`, want: http.StatusBadRequest},
		{name: "incomplete notice", method: http.MethodPost, path: "/v1/ingest", body: `{"file_id":"a"}`, want: http.StatusBadRequest},
		{name: "notice for unknown table", method: http.MethodPost, path: "/v1/ingest",
			body: `{"file_id":"x/a.csv","location":"/in/a.csv","target_table":"policies"}`, want: http.StatusNotFound},
		{name: "refresh unknown node", method: http.MethodPost, path: "/v1/refresh/nope", want: http.StatusNotFound},
		{name: "bad history window", method: http.MethodGet, path: "/v1/quality/history?window=soon", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatusOf_PolicyDenied(t *testing.T) {
	err := fmt.Errorf("read: %w", &core.PolicyResolutionError{PolicyID: "p", Table: "t", Err: fmt.Errorf("boom")})
	assert.Equal(t, http.StatusForbidden, statusOf(err))
	assert.Equal(t, http.StatusInternalServerError, statusOf(fmt.Errorf("boom")))
}

func TestSummarizeTable(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/tables/broker_risk_view/summary?group_by=broker&measure=claim_amount", "",
		map[string]string{HeaderRoles: "BROKER"})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["visible_records"])
	assert.EqualValues(t, 1, body["distinct_groups"])
	assert.EqualValues(t, 40000, body["average"])
	assert.EqualValues(t, 70000, body["max"])
	assert.Equal(t, "restricted", body["privilege"])
}

func TestSubmitFile(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/ingest",
		`{"file_id":"claims/a.csv","location":"/landing/claims/a.csv","target_table":"claims"}`, nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "claims/a.csv", body["file_id"])
	assert.Equal(t, []ingest.FileNotice{{FileID: "claims/a.csv", Location: "/landing/claims/a.csv", TargetTable: "claims"}}, f.ingestor.notices)
}

func TestRefreshEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/refresh", "", nil)
	require.Equal(t, http.StatusOK, code)
	nodes := body["nodes"].([]any)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]any)
	assert.Equal(t, "fresh", node["status"])
	assert.EqualValues(t, 3, node["version"])
	assert.Equal(t, map[string]any{"claims": float64(2)}, node["input_versions"])
	assert.NotContains(t, node, "next_retry_at")

	code, body = f.do(t, http.MethodPost, "/v1/refresh/broker_risk_view", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"broker_risk_view": "refreshed"}, body["outcomes"])

	code, body = f.do(t, http.MethodGet, "/v1/dag", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{[]any{"broker_risk_view"}}, body["levels"])
	dagNode := body["nodes"].([]any)[0].(map[string]any)
	assert.Equal(t, "1m0s", dagNode["target_lag"])
}

func TestQualityEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/quality", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 50, body["score"])
	assert.Equal(t, "NEEDS ATTENTION", body["rating"])
	assert.Equal(t, "FRESH", body["freshness"].(map[string]any)["status"])
	assert.Equal(t, "10m0s", body["freshness"].(map[string]any)["age"])
	assert.Len(t, body["attention"].([]any), 1)
	assert.NotEmpty(t, body["recommendations"])

	code, body = f.do(t, http.MethodGet, "/v1/quality/history?table=claims&window=1h", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["results"].([]any), 2)
	assert.Equal(t, "claims", f.quality.table)
	assert.Equal(t, time.Hour, f.quality.window)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = f.do(t, http.MethodGet, "/v1/tables", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"broker_risk_view"}, body["tables"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leapflow_up")
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Logger: testutil.NewTestLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
