package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Discover scans every landing location and the ledger and returns the
// files that are due: never seen, pending, interrupted mid-load, or failed
// with their retry delay elapsed. It is safe to call at any time.
func (w *Watcher) Discover(ctx context.Context) ([]FileNotice, error) {
	now := w.now()
	seen := make(map[string]bool)
	var out []FileNotice

	for _, tbl := range w.Tables() {
		if tbl.Location == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(tbl.Location, tbl.Pattern))
		if err != nil {
			return nil, fmt.Errorf("bad pattern for %s: %w", tbl.Name, err)
		}
		sort.Strings(matches)
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(tbl.Location, path)
			if err != nil {
				continue
			}
			id := tbl.Name + "/" + filepath.ToSlash(rel)
			st, err := w.ledger.GetFileState(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to read ledger for %s: %w", id, err)
			}
			seen[id] = true
			if due(st, now) {
				out = append(out, FileNotice{FileID: id, Location: path, TargetTable: tbl.Name})
			}
		}
	}

	// Submitted files live outside the landing directories; the ledger is
	// their only record.
	for _, status := range []core.FileStatus{core.FileStatusPending, core.FileStatusLoading, core.FileStatusFailed} {
		states, err := w.ledger.ListFileStates(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s files: %w", status, err)
		}
		for _, st := range states {
			if seen[st.FileID] || !due(st, now) {
				continue
			}
			if _, ok := w.tables[st.TargetTable]; !ok {
				continue
			}
			seen[st.FileID] = true
			out = append(out, FileNotice{FileID: st.FileID, Location: st.Location, TargetTable: st.TargetTable})
		}
	}
	return out, nil
}

// Submit queues a file for ingestion. It blocks while the queue is full.
func (w *Watcher) Submit(ctx context.Context, n FileNotice) error {
	if _, ok := w.tables[n.TargetTable]; !ok {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, n.TargetTable)
	}
	if n.FileID == "" || n.Location == "" {
		return fmt.Errorf("file_id and location are required")
	}
	_, err := w.enqueue(ctx, n)
	return err
}

// enqueue adds n unless the same file is already queued or loading.
func (w *Watcher) enqueue(ctx context.Context, n FileNotice) (bool, error) {
	w.mu.Lock()
	if w.queued[n.FileID] {
		w.mu.Unlock()
		return false, nil
	}
	w.queued[n.FileID] = true
	w.mu.Unlock()

	select {
	case w.queue <- n:
		return true, nil
	case <-ctx.Done():
		w.release(n.FileID)
		return false, ctx.Err()
	}
}

func (w *Watcher) release(fileID string) {
	w.mu.Lock()
	delete(w.queued, fileID)
	w.mu.Unlock()
}

// Run drains the queue with a pool of workers and keeps the queue fed from
// directory events, a poll ticker and the ledger. It returns when ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error {
			w.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return w.watch(ctx)
	})
	return g.Wait()
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.queue:
			if _, err := w.Ingest(ctx, n); err != nil && ctx.Err() == nil {
				w.logger.Error("file ingest failed",
					slog.String("file_id", n.FileID),
					slog.String("table", n.TargetTable),
					slog.String("error", err.Error()))
			}
			w.release(n.FileID)
		}
	}
}

// watch triggers discovery on start, on every poll tick and shortly after
// a landing directory changes.
func (w *Watcher) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, tbl := range w.Tables() {
		if tbl.Location == "" {
			continue
		}
		if err := watcher.Add(tbl.Location); err != nil {
			// Polling still picks the directory up once it exists.
			w.logger.Warn("failed to watch landing directory",
				slog.String("table", tbl.Name),
				slog.String("location", tbl.Location),
				slog.String("error", err.Error()))
		}
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	kick := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx)
		case <-kick:
			w.scan(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case kick <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	notices, err := w.Discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("discover failed", slog.String("error", err.Error()))
		}
		return
	}
	queued := 0
	for _, n := range notices {
		ok, err := w.enqueue(ctx, n)
		if err != nil {
			return
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		w.logger.Debug("files queued", slog.Int("count", queued))
	}
}
