package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/leapstack-labs/leapflow/internal/observe"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Reader returns the latest published snapshot of a table.
type Reader interface {
	Snapshot(name string) (*core.TableSnapshot, error)
}

// ResultStore persists quality results. QualityHistory returns results for
// table measured at or after since, ordered by measured_at.
type ResultStore interface {
	AppendQualityResult(ctx context.Context, res *core.QualityResult) error
	QualityHistory(ctx context.Context, table string, since time.Time) ([]*core.QualityResult, error)
}

// Options configures an Engine.
type Options struct {
	// Workers bounds concurrent evaluations.
	Workers int
	// Resolution is how often the scheduler looks for due checks.
	Resolution time.Duration

	Observer observe.Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

type entry struct {
	check   Check
	nextDue time.Time
	running bool
	latest  *core.QualityResult
}

// Engine evaluates registered checks.
type Engine struct {
	reader Reader
	store  ResultStore
	opts   Options

	observer observe.Observer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	checks map[string]*entry
}

// New creates an engine reading tables from reader and writing results to
// store.
func New(reader Reader, store ResultStore, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Resolution <= 0 {
		opts.Resolution = time.Second
	}
	return &Engine{
		reader:   reader,
		store:    store,
		opts:     opts,
		observer: observe.OrNop(opts.Observer),
		logger:   opts.Logger,
		now:      opts.Clock,
		checks:   make(map[string]*entry),
	}
}

// Register adds a check. It is first due immediately.
func (e *Engine) Register(c Check) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.checks[c.ID]; exists {
		return fmt.Errorf("check %s is already registered", c.ID)
	}
	e.checks[c.ID] = &entry{check: c}
	e.logger.Debug("quality check registered",
		slog.String("check_id", c.ID),
		slog.String("table", c.Table),
		slog.String("metric", c.Metric.Name),
		slog.Duration("interval", c.Interval))
	return nil
}

// Unregister removes a check. Its results stay in the store.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.checks[id]
	delete(e.checks, id)
	return ok
}

// Checks returns the registered checks, sorted by id.
func (e *Engine) Checks() []Check {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Check, 0, len(e.checks))
	for _, en := range e.checks {
		out = append(out, en.check)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Latest returns the most recent result of every check evaluated since
// the engine started, sorted by check id.
func (e *Engine) Latest() []*core.QualityResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*core.QualityResult
	for _, en := range e.checks {
		if en.latest != nil {
			out = append(out, en.latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckID < out[j].CheckID })
	return out
}

// Evaluate runs one check now. A table or metric failure is reported in the
// result's Error field, not as an error; the returned error is only for an
// unknown check or a result that could not be stored.
func (e *Engine) Evaluate(ctx context.Context, checkID string) (*core.QualityResult, error) {
	e.mu.Lock()
	en, ok := e.checks[checkID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown quality check %q", checkID)
	}
	return e.evaluate(ctx, en.check)
}

func (e *Engine) evaluate(ctx context.Context, c Check) (*core.QualityResult, error) {
	res := &core.QualityResult{
		ID:         uuid.NewString(),
		CheckID:    c.ID,
		Table:      c.Table,
		Metric:     c.Metric.Name,
		CheckType:  c.Metric.Type,
		MeasuredAt: e.now(),
	}

	m, err := e.measure(ctx, c)
	if err != nil {
		qerr := &core.QualityEvaluationError{CheckID: c.ID, Table: c.Table, Err: err}
		res.Status = core.QualityError
		res.Error = qerr.Error()
	} else {
		res.Value = m.Value
		res.RecordCount = m.RecordCount
		res.FailCount = m.FailCount
		res.Score = Score(m.RecordCount, m.FailCount)
		res.Status = Classify(c.Metric.Type, m.Value)
	}

	e.mu.Lock()
	if en, ok := e.checks[c.ID]; ok {
		en.latest = res
	}
	e.mu.Unlock()

	e.observer.QualityMeasured(res)
	if err := e.store.AppendQualityResult(context.WithoutCancel(ctx), res); err != nil {
		return res, fmt.Errorf("failed to store result of %s: %w", c.ID, err)
	}
	return res, nil
}

func (e *Engine) measure(ctx context.Context, c Check) (m Measurement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metric panicked: %v", r)
		}
	}()
	snap, err := e.reader.Snapshot(c.Table)
	if err != nil {
		return Measurement{}, err
	}
	return c.Metric.Fn(ctx, snap)
}

// History returns the results for table measured within window of now,
// oldest first. A zero window returns the whole history.
func (e *Engine) History(ctx context.Context, table string, window time.Duration) ([]*core.QualityResult, error) {
	var since time.Time
	if window > 0 {
		since = e.now().Add(-window)
	}
	return e.store.QualityHistory(ctx, table, since)
}

// Run evaluates each check every interval until ctx is cancelled. A check
// still running when it falls due again is not started twice, and an
// evaluation error never shifts the cadence.
func (e *Engine) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(e.opts.Workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(e.opts.Resolution)
	defer ticker.Stop()

	e.logger.Info("quality scheduler started", slog.Int("checks", len(e.Checks())))
	for {
		due := e.due()
		for i, c := range due {
			if err := sem.Acquire(ctx, 1); err != nil {
				for _, rest := range due[i:] {
					e.release(rest.ID)
				}
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				defer e.release(c.ID)
				if _, err := e.evaluate(ctx, c); err != nil {
					e.logger.Error("quality evaluation not stored",
						slog.String("check_id", c.ID),
						slog.String("error", err.Error()))
				}
			}()
		}

		select {
		case <-ctx.Done():
			e.logger.Info("quality scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// due claims the checks whose next run time has passed.
func (e *Engine) due() []Check {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Check
	for _, en := range e.checks {
		if en.running || now.Before(en.nextDue) {
			continue
		}
		en.running = true
		if en.nextDue.IsZero() {
			en.nextDue = now
		}
		for !en.nextDue.After(now) {
			en.nextDue = en.nextDue.Add(en.check.Interval)
		}
		out = append(out, en.check)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.checks[id]; ok {
		en.running = false
	}
}
