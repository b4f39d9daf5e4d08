package state

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

const fileColumns = `file_id, location, target_table, status, attempt_count, record_count,
	rejected_count, last_error, exhausted, next_attempt_at, updated_at`

const upsertFileSQL = `INSERT INTO file_ingest (` + fileColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_id) DO UPDATE SET
		location = excluded.location,
		target_table = excluded.target_table,
		status = excluded.status,
		attempt_count = excluded.attempt_count,
		record_count = excluded.record_count,
		rejected_count = excluded.rejected_count,
		last_error = excluded.last_error,
		exhausted = excluded.exhausted,
		next_attempt_at = excluded.next_attempt_at,
		updated_at = excluded.updated_at
	WHERE file_ingest.status <> 'loaded'`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveFileState(ctx context.Context, db execer, st *core.FileIngestState) error {
	_, err := db.ExecContext(ctx, upsertFileSQL,
		st.FileID, st.Location, st.TargetTable, string(st.Status), st.AttemptCount,
		st.RecordCount, st.RejectedCount, st.LastError, boolInt(st.Exhausted),
		toNanos(st.NextAttemptAt), toNanos(st.UpdatedAt),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileState(row scanner) (*core.FileIngestState, error) {
	st := &core.FileIngestState{}
	var status string
	var exhausted int
	var nextAttempt, updated int64
	if err := row.Scan(&st.FileID, &st.Location, &st.TargetTable, &status, &st.AttemptCount,
		&st.RecordCount, &st.RejectedCount, &st.LastError, &exhausted, &nextAttempt, &updated); err != nil {
		return nil, err
	}
	st.Status = core.FileStatus(status)
	st.Exhausted = exhausted != 0
	st.NextAttemptAt = fromNanos(nextAttempt)
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

// GetFileState returns the ledger entry for a file, or nil if the file was
// never seen.
func (s *SQLiteStore) GetFileState(ctx context.Context, fileID string) (*core.FileIngestState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_ingest WHERE file_id = ?`, fileID)
	st, err := scanFileState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file state: %w", err)
	}
	return st, nil
}

// SaveFileState creates or replaces a ledger entry. An entry that is already
// loaded is final and left unchanged.
func (s *SQLiteStore) SaveFileState(ctx context.Context, st *core.FileIngestState) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if err := saveFileState(ctx, s.db, st); err != nil {
		return fmt.Errorf("failed to save file state: %w", err)
	}
	return nil
}

// ListFileStates returns ledger entries with the given status, or every
// entry when status is empty, ordered by file id.
func (s *SQLiteStore) ListFileStates(ctx context.Context, status core.FileStatus) ([]*core.FileIngestState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	query := `SELECT ` + fileColumns + ` FROM file_ingest`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY file_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.FileIngestState
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CommitFileLoad marks a file loaded and stores its rows in one
// transaction, so a file is either fully consumed or not at all. If the
// file's batch is already stored nothing changes and core.ErrAlreadyLoaded
// is returned.
func (s *SQLiteStore) CommitFileLoad(ctx context.Context, load *core.FileLoad) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if load == nil || load.State == nil {
		return fmt.Errorf("file load has no state")
	}

	payload, err := json.Marshal(load.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows for %s: %w", load.State.FileID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveFileState(ctx, tx, load.State); err != nil {
		return fmt.Errorf("failed to save file state: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO raw_batches (file_id, target_table, source_file, loaded_at, row_count, rows)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO NOTHING`,
		load.State.FileID, load.State.TargetTable, load.State.Location,
		toNanos(load.LoadedAt), len(load.Rows), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to store raw batch: %w", err)
	}
	stored, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store raw batch: %w", err)
	}
	if stored == 0 {
		return fmt.Errorf("%w: %s", core.ErrAlreadyLoaded, load.State.FileID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file load: %w", err)
	}

	s.logger.Debug("file load committed",
		slog.String("file_id", load.State.FileID),
		slog.Int("rows", len(load.Rows)))
	return nil
}

// LoadRawBatches returns the committed batches of a raw table in commit
// order. Numbers decode as json.Number; core.Schema.Coerce restores types.
func (s *SQLiteStore) LoadRawBatches(ctx context.Context, table string) ([]*core.RawBatch, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, target_table, source_file, loaded_at, rows
		FROM raw_batches WHERE target_table = ? ORDER BY seq`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load raw batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.RawBatch
	for rows.Next() {
		rb := &core.RawBatch{}
		var loadedAt int64
		var payload string
		if err := rows.Scan(&rb.FileID, &rb.Table, &rb.SourceFile, &loadedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan raw batch: %w", err)
		}
		rb.LoadedAt = fromNanos(loadedAt)

		dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
		dec.UseNumber()
		if err := dec.Decode(&rb.Rows); err != nil {
			return nil, fmt.Errorf("failed to decode raw batch %s: %w", rb.FileID, err)
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}
