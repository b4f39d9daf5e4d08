// Package mirror copies published tables into a DuckDB database so operators
// can run ad-hoc analytical SQL over them. The mirror holds unmasked data
// and is not an access path for policy-governed callers.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/leapstack-labs/leapflow/internal/backoff"
	"github.com/leapstack-labs/leapflow/internal/notifier"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Source provides the published snapshots to mirror.
type Source interface {
	Snapshot(name string) (*core.TableSnapshot, error)
	Tables() []string
}

// Mirror keeps DuckDB copies of published tables.
type Mirror struct {
	db      *sql.DB
	source  Source
	backoff backoff.Policy
	logger  *slog.Logger

	mu     sync.Mutex // serializes syncs
	synced map[string]uint64
}

// Open connects to DuckDB at path. Use "" or ":memory:" for an in-memory
// database.
func Open(ctx context.Context, path string, source Source, retry backoff.Policy, logger *slog.Logger) (*Mirror, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	return NewWithDB(db, source, retry, logger), nil
}

// NewWithDB creates a mirror over an open database.
func NewWithDB(db *sql.DB, source Source, retry backoff.Policy, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if retry == (backoff.Policy{}) {
		retry = backoff.Default()
	}
	return &Mirror{
		db:      db,
		source:  source,
		backoff: retry,
		logger:  logger,
		synced:  make(map[string]uint64),
	}
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Version returns the mirrored version of table and whether it was ever
// mirrored.
func (m *Mirror) Version(table string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.synced[table]
	return v, ok
}

// Sync replaces the DuckDB copy of table with its latest snapshot. Tables
// already mirrored at that version are skipped.
func (m *Mirror) Sync(ctx context.Context, table string) error {
	if m.db == nil {
		return fmt.Errorf("database connection not established")
	}
	snap, err := m.source.Snapshot(table)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.synced[table]; ok && v >= snap.Version {
		return nil
	}

	start := time.Now()
	if err := m.write(ctx, snap); err != nil {
		return fmt.Errorf("mirror %s: %w", table, err)
	}
	m.synced[table] = snap.Version
	m.logger.Debug("table mirrored",
		slog.String("table", table),
		slog.Uint64("version", snap.Version),
		slog.Int("rows", snap.Len()),
		slog.Duration("took", time.Since(start)))
	return nil
}

// SyncAll mirrors every table of the source. Failures are logged and the
// first one returned after the rest were attempted.
func (m *Mirror) SyncAll(ctx context.Context) error {
	var first error
	for _, t := range m.source.Tables() {
		if err := m.Sync(ctx, t); err != nil {
			m.logger.Warn("mirror sync failed", slog.String("table", t), slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Run mirrors every table once, then again whenever n announces a change,
// until ctx is cancelled. A failing sync is retried with backoff and then
// left for the next change.
func (m *Mirror) Run(ctx context.Context, n *notifier.Notifier) error {
	changes := n.Subscribe()
	defer n.Unsubscribe(changes)

	_ = m.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			err := m.backoff.Do(ctx, func(ctx context.Context) error {
				if err := m.Sync(ctx, c.Table); err != nil {
					return backoff.Retryable(err)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror sync gave up",
					slog.String("table", c.Table),
					slog.Uint64("version", c.Version),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, snap *core.TableSnapshot) error {
	types := columnTypes(snap)

	defs := make([]string, len(snap.Columns))
	marks := make([]string, len(snap.Columns))
	for i, c := range snap.Columns {
		defs[i] = quoteIdent(c) + " " + types[i]
		marks[i] = "?"
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	//nolint:gosec // identifiers are quoted
	create := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(snap.Name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if len(snap.Rows) > 0 {
		//nolint:gosec // identifiers are quoted
		insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(snap.Name), strings.Join(marks, ", "))
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		args := make([]any, len(snap.Columns))
		for _, row := range snap.Rows {
			for i, c := range snap.Columns {
				args[i] = value(row[c], types[i])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// columnTypes picks a DuckDB type per column from its first non-null value.
func columnTypes(snap *core.TableSnapshot) []string {
	out := make([]string, len(snap.Columns))
	for i, c := range snap.Columns {
		out[i] = "VARCHAR"
		for _, row := range snap.Rows {
			v := row[c]
			if v == nil {
				continue
			}
			out[i] = duckType(v)
			break
		}
	}
	return out
}

func duckType(v any) string {
	switch v.(type) {
	case int64, int, int32:
		return "BIGINT"
	case float64, float32:
		return "DOUBLE"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// value adapts v to its column type. Text columns take any value's
// string form.
func value(v any, typ string) any {
	if v == nil || typ != "VARCHAR" {
		return v
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
