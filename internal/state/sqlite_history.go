package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// RecordRefresh appends a refresh attempt to the history.
func (s *SQLiteStore) RecordRefresh(ctx context.Context, rec *core.RefreshRecord) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	versions, err := json.Marshal(rec.InputVersions)
	if err != nil {
		return fmt.Errorf("failed to encode input versions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO refresh_history (id, node, status, started_at, completed_at, input_versions, version, row_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Node, string(rec.Status), toNanos(rec.StartedAt), toNanos(rec.CompletedAt),
		string(versions), int64(rec.Version), rec.RowCount, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record refresh: %w", err)
	}
	return nil
}

// ListRefreshes returns the most recent refreshes of node, newest first.
// An empty node lists every node; limit <= 0 means no limit.
func (s *SQLiteStore) ListRefreshes(ctx context.Context, node string, limit int) ([]*core.RefreshRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	query := `SELECT id, node, status, started_at, completed_at, input_versions, version, row_count, error
		FROM refresh_history`
	var args []any
	if node != "" {
		query += ` WHERE node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY completed_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refreshes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.RefreshRecord
	for rows.Next() {
		rec := &core.RefreshRecord{}
		var status, versions string
		var started, completed, version int64
		if err := rows.Scan(&rec.ID, &rec.Node, &status, &started, &completed, &versions,
			&version, &rec.RowCount, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan refresh: %w", err)
		}
		rec.Status = core.RefreshStatus(status)
		rec.StartedAt = fromNanos(started)
		rec.CompletedAt = fromNanos(completed)
		rec.Version = uint64(version)
		if err := json.Unmarshal([]byte(versions), &rec.InputVersions); err != nil {
			return nil, fmt.Errorf("failed to decode input versions of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendQualityResult stores one immutable quality measurement.
func (s *SQLiteStore) AppendQualityResult(ctx context.Context, res *core.QualityResult) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quality_results (id, check_id, table_name, metric, check_type, measured_at,
			value, record_count, fail_count, score, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.CheckID, res.Table, res.Metric, string(res.CheckType), toNanos(res.MeasuredAt),
		res.Value, res.RecordCount, res.FailCount, res.Score, string(res.Status), res.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to append quality result: %w", err)
	}
	return nil
}

// QualityHistory returns the results for table measured at or after since,
// oldest first. An empty table returns results for every table.
func (s *SQLiteStore) QualityHistory(ctx context.Context, table string, since time.Time) ([]*core.QualityResult, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	query := `SELECT id, check_id, table_name, metric, check_type, measured_at,
			value, record_count, fail_count, score, status, error
		FROM quality_results WHERE measured_at >= ?`
	args := []any{toNanos(since)}
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY measured_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.QualityResult
	for rows.Next() {
		res := &core.QualityResult{}
		var checkType, status string
		var measured int64
		if err := rows.Scan(&res.ID, &res.CheckID, &res.Table, &res.Metric, &checkType, &measured,
			&res.Value, &res.RecordCount, &res.FailCount, &res.Score, &status, &res.Error); err != nil {
			return nil, fmt.Errorf("failed to scan quality result: %w", err)
		}
		res.CheckType = core.CheckType(checkType)
		res.Status = core.QualityStatus(status)
		res.MeasuredAt = fromNanos(measured)
		out = append(out, res)
	}
	return out, rows.Err()
}
