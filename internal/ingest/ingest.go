// Package ingest consumes landing files into raw tables. Each file is
// tracked in a ledger so that a restart, a rescan or a duplicate
// notification never loads the same file twice.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/leapflow/internal/backoff"
	"github.com/leapstack-labs/leapflow/internal/observe"
	"github.com/leapstack-labs/leapflow/internal/rawstore"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// OnError selects how a malformed record affects its file.
type OnError string

// OnError modes.
const (
	// OnErrorFail rejects the whole file on the first malformed record.
	OnErrorFail OnError = "fail"
	// OnErrorContinue skips malformed records and loads the rest.
	OnErrorContinue OnError = "continue"
)

// Valid reports whether m is a known mode.
func (m OnError) Valid() bool {
	return m == OnErrorFail || m == OnErrorContinue
}

// Table describes where a raw table's files land.
type Table struct {
	Name     string
	Location string // landing directory; empty for tables fed only by Submit
	Pattern  string // glob relative to Location, "*.csv" if empty
	OnError  OnError
}

// FileNotice identifies one file to consume.
type FileNotice struct {
	FileID      string `json:"file_id"`
	Location    string `json:"location"`
	TargetTable string `json:"target_table"`
}

// Ledger persists per-file consumption state. GetFileState returns nil
// without error for a file it has never seen. A loaded entry is final:
// SaveFileState leaves it unchanged, and CommitFileLoad returns
// core.ErrAlreadyLoaded for a file whose batch is already stored.
type Ledger interface {
	GetFileState(ctx context.Context, fileID string) (*core.FileIngestState, error)
	SaveFileState(ctx context.Context, st *core.FileIngestState) error
	ListFileStates(ctx context.Context, status core.FileStatus) ([]*core.FileIngestState, error)
	CommitFileLoad(ctx context.Context, load *core.FileLoad) error
}

// Raw is the raw store the watcher appends to.
type Raw interface {
	Schema(name string) (core.Schema, bool)
	Append(name string, b rawstore.Batch) (rawstore.AppendResult, error)
}

// Options configures a Watcher.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Backoff      backoff.Policy
	Observer     observe.Observer
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Watcher discovers landing files and loads them into raw tables.
type Watcher struct {
	tables map[string]Table
	ledger Ledger
	raw    Raw
	opts   Options

	observer observe.Observer
	logger   *slog.Logger
	now      func() time.Time

	queue  chan FileNotice
	mu     sync.Mutex
	queued map[string]bool

	// one load per file_id at a time; concurrent callers share its result
	flight singleflight.Group
}

// New creates a watcher for the given tables. Every table must already
// exist in raw.
func New(tables []Table, ledger Ledger, raw Raw, opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default()
	}

	w := &Watcher{
		tables:   make(map[string]Table, len(tables)),
		ledger:   ledger,
		raw:      raw,
		opts:     opts,
		observer: observe.OrNop(opts.Observer),
		logger:   opts.Logger,
		now:      opts.Clock,
		queue:    make(chan FileNotice, 256),
		queued:   make(map[string]bool),
	}
	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("ingest table name is required")
		}
		if _, ok := raw.Schema(t.Name); !ok {
			return nil, fmt.Errorf("ingest %s: %w", t.Name, core.ErrTableNotFound)
		}
		if t.OnError == "" {
			t.OnError = OnErrorFail
		}
		if !t.OnError.Valid() {
			return nil, fmt.Errorf("ingest %s: unknown on_error %q", t.Name, t.OnError)
		}
		if t.Pattern == "" {
			t.Pattern = "*.csv"
		}
		w.tables[t.Name] = t
	}
	return w, nil
}

// Tables returns the configured tables, sorted by name.
func (w *Watcher) Tables() []Table {
	out := make([]Table, 0, len(w.tables))
	for _, t := range w.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ingest loads one file. A file already loaded returns its recorded count
// without appending again. A file-level failure is returned as a
// *core.IngestError and recorded in the ledger for retry.
func (w *Watcher) Ingest(ctx context.Context, n FileNotice) (int, error) {
	v, err, _ := w.flight.Do(n.FileID, func() (any, error) {
		return w.ingest(ctx, n)
	})
	count, _ := v.(int)
	return count, err
}

func (w *Watcher) ingest(ctx context.Context, n FileNotice) (int, error) {
	tbl, ok := w.tables[n.TargetTable]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrTableNotFound, n.TargetTable)
	}
	if n.FileID == "" || n.Location == "" {
		return 0, fmt.Errorf("ingest: file id and location are required")
	}
	schema, _ := w.raw.Schema(tbl.Name)

	st, err := w.ledger.GetFileState(ctx, n.FileID)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger for %s: %w", n.FileID, err)
	}
	if st != nil && st.Status == core.FileStatusLoaded {
		w.logger.Debug("file already loaded",
			slog.String("file_id", n.FileID),
			slog.Int("records", st.RecordCount))
		return st.RecordCount, nil
	}
	if st == nil {
		st = &core.FileIngestState{FileID: n.FileID, TargetTable: tbl.Name}
	} else if st.TargetTable != tbl.Name {
		return 0, fmt.Errorf("ingest %s: already tracked for table %s", n.FileID, st.TargetTable)
	}

	st.Location = n.Location
	st.Status = core.FileStatusLoading
	st.AttemptCount++
	st.UpdatedAt = w.now()
	if err := w.ledger.SaveFileState(ctx, st); err != nil {
		return 0, fmt.Errorf("failed to mark %s loading: %w", n.FileID, err)
	}

	rows, rejected, err := w.parse(ctx, tbl, schema, n)
	if err != nil {
		return 0, w.fail(ctx, st, err)
	}

	loadedAt := w.now()
	st.Status = core.FileStatusLoaded
	st.RecordCount = len(rows)
	st.RejectedCount = rejected
	st.LastError = ""
	st.Exhausted = false
	st.NextAttemptAt = time.Time{}
	st.UpdatedAt = loadedAt
	err = w.ledger.CommitFileLoad(ctx, &core.FileLoad{State: st, LoadedAt: loadedAt, Rows: rows})
	if errors.Is(err, core.ErrAlreadyLoaded) {
		// another process committed the file first
		return w.recorded(ctx, n.FileID)
	}
	if err != nil {
		return 0, w.fail(ctx, st, fmt.Errorf("commit: %w", err))
	}

	res, err := w.raw.Append(tbl.Name, rawstore.Batch{
		FileID:     n.FileID,
		SourceFile: n.Location,
		LoadedAt:   loadedAt,
		Rows:       rows,
	})
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", n.FileID, err)
	}

	w.observer.FileLoaded(tbl.Name, n.FileID, res.Count, rejected)
	return res.Count, nil
}

// recorded returns the count the ledger holds for a file loaded elsewhere.
func (w *Watcher) recorded(ctx context.Context, fileID string) (int, error) {
	st, err := w.ledger.GetFileState(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger for %s: %w", fileID, err)
	}
	if st == nil || st.Status != core.FileStatusLoaded {
		return 0, fmt.Errorf("ingest %s: batch stored but ledger entry is not loaded", fileID)
	}
	w.logger.Debug("file loaded concurrently",
		slog.String("file_id", fileID),
		slog.Int("records", st.RecordCount))
	return st.RecordCount, nil
}

// fail records a file-level failure and schedules the next attempt.
func (w *Watcher) fail(ctx context.Context, st *core.FileIngestState, err error) error {
	var ierr *core.IngestError
	if !errors.As(err, &ierr) {
		err = &core.IngestError{FileID: st.FileID, Err: err}
	}

	now := w.now()
	st.Status = core.FileStatusFailed
	st.LastError = err.Error()
	st.Exhausted = w.opts.Backoff.Exhausted(st.AttemptCount)
	st.NextAttemptAt = time.Time{}
	if !st.Exhausted {
		st.NextAttemptAt = now.Add(w.opts.Backoff.Delay(st.AttemptCount))
	}
	st.UpdatedAt = now
	if serr := w.ledger.SaveFileState(context.WithoutCancel(ctx), st); serr != nil {
		err = errors.Join(err, fmt.Errorf("failed to record failure: %w", serr))
	}

	w.observer.FileFailed(st.TargetTable, st.FileID, err, st.AttemptCount, st.Exhausted)
	return err
}

// due reports whether a file with the given ledger state should be
// (re)attempted at now.
func due(st *core.FileIngestState, now time.Time) bool {
	if st == nil {
		return true
	}
	switch st.Status {
	case core.FileStatusLoaded:
		return false
	case core.FileStatusFailed:
		return !st.Exhausted && !now.Before(st.NextAttemptAt)
	default:
		// pending, or loading when a previous process stopped mid-file
		return true
	}
}
