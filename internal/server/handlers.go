package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leapstack-labs/leapflow/internal/access"
	"github.com/leapstack-labs/leapflow/internal/ingest"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/quality"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Identity headers. Callers are authenticated upstream.
const (
	HeaderUser    = "X-Leapflow-User"
	HeaderRoles   = "X-Leapflow-Roles"
	HeaderAccount = "X-Leapflow-Account"
)

// IdentityFrom reads the caller identity from request headers. Roles are
// comma separated.
func IdentityFrom(r *http.Request) policy.Identity {
	id := policy.Identity{
		User:    r.Header.Get(HeaderUser),
		Account: r.Header.Get(HeaderAccount),
	}
	for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps pipeline errors to HTTP statuses.
func statusOf(err error) int {
	var perr *core.PolicyResolutionError
	switch {
	case errors.Is(err, access.ErrUnknownColumn):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTableNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listTables(w http.ResponseWriter, _ *http.Request) {
	var tables []string
	if s.cfg.Catalog != nil {
		tables = s.cfg.Catalog.Tables()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) readTable(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Reader.Read(r.Context(), chi.URLParam(r, "name"), IdentityFrom(r))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*access.Result
		Privilege string `json:"privilege"`
	}{res, res.Privilege.String()})
}

func (s *Server) summarizeTable(w http.ResponseWriter, r *http.Request) {
	opts := access.SummaryOptions{
		GroupBy: r.URL.Query().Get("group_by"),
		Measure: r.URL.Query().Get("measure"),
	}
	sum, err := s.cfg.Reader.Summarize(r.Context(), chi.URLParam(r, "name"), IdentityFrom(r), opts)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*access.Summary
		Privilege string `json:"privilege"`
	}{sum, sum.Privilege.String()})
}

func (s *Server) submitFile(w http.ResponseWriter, r *http.Request) {
	var n ingest.FileNotice
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid file notice: %w", err))
		return
	}
	if n.FileID == "" || n.Location == "" || n.TargetTable == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file_id, location and target_table are required"))
		return
	}
	if err := s.cfg.Ingestor.Submit(r.Context(), n); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

type refreshStateView struct {
	Node                string            `json:"node"`
	Status              string            `json:"status"`
	LastRefreshedAt     *time.Time        `json:"last_refreshed_at,omitempty"`
	Version             uint64            `json:"version"`
	RowCount            int               `json:"row_count"`
	InputVersions       map[string]uint64 `json:"input_versions,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastError           string            `json:"last_error,omitempty"`
	NextRetryAt         *time.Time        `json:"next_retry_at,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) refreshStates(w http.ResponseWriter, _ *http.Request) {
	states := s.cfg.Refresher.States()
	out := make([]refreshStateView, len(states))
	for i, st := range states {
		out[i] = refreshStateView{
			Node:                st.Node,
			Status:              string(st.Status),
			LastRefreshedAt:     optTime(st.LastRefreshedAt),
			Version:             st.Version,
			RowCount:            st.RowCount,
			InputVersions:       st.LastInputVersions,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastError:           st.LastError,
			NextRetryAt:         optTime(st.NextRetryAt),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (s *Server) forceRefresh(w http.ResponseWriter, r *http.Request) {
	rep, err := s.cfg.Refresher.Refresh(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": rep.Outcomes})
}

type nodeView struct {
	Name      string   `json:"name"`
	Inputs    []string `json:"inputs"`
	TargetLag string   `json:"target_lag"`
	Level     int      `json:"level"`
}

func (s *Server) dag(w http.ResponseWriter, _ *http.Request) {
	levels, err := s.cfg.Refresher.Levels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	nodes := s.cfg.Refresher.Nodes()
	out := make([]nodeView, len(nodes))
	for i, n := range nodes {
		out[i] = nodeView{Name: n.Name, Inputs: n.Inputs, TargetLag: n.TargetLag.String(), Level: n.Level}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out, "levels": levels})
}

type resultView struct {
	CheckID     string    `json:"check_id"`
	Table       string    `json:"table"`
	Metric      string    `json:"metric"`
	CheckType   string    `json:"check_type"`
	MeasuredAt  time.Time `json:"measured_at"`
	Value       float64   `json:"value"`
	RecordCount int64     `json:"record_count"`
	Score       float64   `json:"score"`
	Status      string    `json:"status"`
	Severity    string    `json:"severity"`
	Error       string    `json:"error,omitempty"`
}

func viewResults(results []*core.QualityResult) []resultView {
	out := make([]resultView, len(results))
	for i, r := range results {
		out[i] = resultView{
			CheckID:     r.CheckID,
			Table:       r.Table,
			Metric:      r.Metric,
			CheckType:   string(r.CheckType),
			MeasuredAt:  r.MeasuredAt,
			Value:       r.Value,
			RecordCount: r.RecordCount,
			Score:       r.Score,
			Status:      string(r.Status),
			Severity:    quality.Severity(r),
			Error:       r.Error,
		}
	}
	return out
}

func (s *Server) qualityReport(w http.ResponseWriter, _ *http.Request) {
	latest := s.cfg.Quality.Latest()
	rep := quality.BuildReport(latest, s.cfg.LastLoad(), s.now())
	writeJSON(w, http.StatusOK, map[string]any{
		"score":           rep.Summary.Score,
		"rating":          rep.Summary.Rating,
		"total":           rep.Summary.Total,
		"freshness":       freshnessView(rep.Freshness),
		"attention":       viewResults(rep.Attention),
		"failing":         viewResults(rep.Failing),
		"recommendations": rep.Recommendations,
		"latest":          viewResults(latest),
	})
}

func freshnessView(f quality.Freshness) map[string]any {
	out := map[string]any{"status": string(f.Status)}
	if !f.LastLoad.IsZero() {
		out["last_load"] = f.LastLoad
		out["age"] = f.Age.Round(time.Second).String()
	}
	return out
}

func (s *Server) qualityHistory(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window %q", v))
			return
		}
		window = d
	}
	hist, err := s.cfg.Quality.History(r.Context(), r.URL.Query().Get("table"), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": viewResults(hist)})
}
