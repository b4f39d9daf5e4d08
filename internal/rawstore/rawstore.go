// Package rawstore holds the append-only raw tables that ingestion lands
// records into. Every append publishes a new immutable snapshot; readers
// never observe a partially appended batch.
package rawstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Publisher receives a signal after each table version is published.
type Publisher interface {
	Publish(table string, version uint64)
}

// BatchLoader reads persisted raw batches back for rehydration.
type BatchLoader interface {
	LoadRawBatches(ctx context.Context, table string) ([]*core.RawBatch, error)
}

// Batch is one file's worth of rows to append.
type Batch struct {
	FileID     string
	SourceFile string
	LoadedAt   time.Time
	Rows       []core.Row
}

// AppendResult describes the outcome of an append.
type AppendResult struct {
	Count     int
	Version   uint64
	Duplicate bool
}

type table struct {
	name    string
	schema  core.Schema
	columns []string

	mu    sync.Mutex // serializes appends
	files map[string]int
	snap  atomic.Pointer[core.TableSnapshot]
}

// Store is the set of raw tables.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
	pub    Publisher
	logger *slog.Logger
}

// New creates an empty raw store. pub may be nil.
func New(pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		tables: make(map[string]*table),
		pub:    pub,
		logger: logger,
	}
}

// CreateTable registers a raw table with the given business schema.
// Provenance columns are appended to the published column list.
func (s *Store) CreateTable(name string, schema core.Schema) error {
	if name == "" {
		return fmt.Errorf("table name is required")
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("table %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[name]; exists {
		return fmt.Errorf("table %s already exists", name)
	}

	columns := append(schema.Names(), core.ColumnLoadedAt, core.ColumnSourceFile)
	t := &table{
		name:    name,
		schema:  schema,
		columns: columns,
		files:   make(map[string]int),
	}
	t.snap.Store(&core.TableSnapshot{Name: name, Columns: columns})
	s.tables[name] = t
	return nil
}

func (s *Store) get(name string) (*table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	return t, ok
}

// Append stamps each row with provenance and appends the batch as one new
// version. A file already appended to the table is a no-op that returns the
// previously recorded count.
func (s *Store) Append(name string, b Batch) (AppendResult, error) {
	t, ok := s.get(name)
	if !ok {
		return AppendResult{}, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	if b.FileID == "" {
		return AppendResult{}, fmt.Errorf("append to %s: file id is required", name)
	}
	if b.SourceFile == "" {
		return AppendResult{}, fmt.Errorf("append to %s: source file is required", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.snap.Load()
	if n, seen := t.files[b.FileID]; seen {
		return AppendResult{Count: n, Version: prev.Version, Duplicate: true}, nil
	}

	loadedAt := b.LoadedAt.UTC()
	rows := make([]core.Row, len(prev.Rows), len(prev.Rows)+len(b.Rows))
	copy(rows, prev.Rows)
	for _, r := range b.Rows {
		row := make(core.Row, len(t.columns))
		for _, c := range t.schema.Columns {
			row[c.Name] = r[c.Name]
		}
		row[core.ColumnLoadedAt] = loadedAt
		row[core.ColumnSourceFile] = b.SourceFile
		rows = append(rows, row)
	}

	next := &core.TableSnapshot{
		Name:        t.name,
		Version:     prev.Version + 1,
		Columns:     t.columns,
		Rows:        rows,
		PublishedAt: loadedAt,
	}
	t.snap.Store(next)
	t.files[b.FileID] = len(b.Rows)

	s.logger.Debug("raw batch appended",
		slog.String("table", name),
		slog.String("file_id", b.FileID),
		slog.Int("rows", len(b.Rows)),
		slog.Uint64("version", next.Version))

	if s.pub != nil {
		s.pub.Publish(name, next.Version)
	}
	return AppendResult{Count: len(b.Rows), Version: next.Version}, nil
}

// Snapshot returns the latest published snapshot of a table.
func (s *Store) Snapshot(name string) (*core.TableSnapshot, bool) {
	t, ok := s.get(name)
	if !ok {
		return nil, false
	}
	return t.snap.Load(), true
}

// Version returns the latest published version of a table.
func (s *Store) Version(name string) (uint64, bool) {
	snap, ok := s.Snapshot(name)
	if !ok {
		return 0, false
	}
	return snap.Version, true
}

// Schema returns the business schema of a table.
func (s *Store) Schema(name string) (core.Schema, bool) {
	t, ok := s.get(name)
	if !ok {
		return core.Schema{}, false
	}
	return t.schema, true
}

// FileCount returns the recorded row count for a file already appended.
func (s *Store) FileCount(name, fileID string) (int, bool) {
	t, ok := s.get(name)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, seen := t.files[fileID]
	return n, seen
}

// Tables returns the raw table names, sorted.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rehydrate replays persisted batches into every registered table, in the
// order the loader returns them.
func (s *Store) Rehydrate(ctx context.Context, loader BatchLoader) error {
	for _, name := range s.Tables() {
		schema, _ := s.Schema(name)
		batches, err := loader.LoadRawBatches(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load raw batches for %s: %w", name, err)
		}
		for _, rb := range batches {
			rows := make([]core.Row, 0, len(rb.Rows))
			for i, r := range rb.Rows {
				row, err := schema.Coerce(r)
				if err != nil {
					return fmt.Errorf("rehydrate %s file %s row %d: %w", name, rb.FileID, i+1, err)
				}
				rows = append(rows, row)
			}
			if _, err := s.Append(name, Batch{
				FileID:     rb.FileID,
				SourceFile: rb.SourceFile,
				LoadedAt:   rb.LoadedAt,
				Rows:       rows,
			}); err != nil {
				return err
			}
		}
		if len(batches) > 0 {
			s.logger.Info("raw table rehydrated",
				slog.String("table", name),
				slog.Int("batches", len(batches)))
		}
	}
	return nil
}
