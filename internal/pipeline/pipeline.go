// Package pipeline assembles the components of a leapflow deployment from
// its configuration and runs them together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapflow/internal/access"
	"github.com/leapstack-labs/leapflow/internal/catalog"
	"github.com/leapstack-labs/leapflow/internal/config"
	"github.com/leapstack-labs/leapflow/internal/ingest"
	"github.com/leapstack-labs/leapflow/internal/mirror"
	"github.com/leapstack-labs/leapflow/internal/notifier"
	"github.com/leapstack-labs/leapflow/internal/observe"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/quality"
	"github.com/leapstack-labs/leapflow/internal/rawstore"
	"github.com/leapstack-labs/leapflow/internal/recipe"
	"github.com/leapstack-labs/leapflow/internal/refresh"
	"github.com/leapstack-labs/leapflow/internal/server"
	"github.com/leapstack-labs/leapflow/internal/state"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Pipeline owns every component of a running deployment.
type Pipeline struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time

	store    *state.SQLiteStore
	notifier *notifier.Notifier
	raw      *rawstore.Store
	views    *refresh.Manager
	catalog  *catalog.Catalog
	quality  *quality.Engine
	policies *policy.Engine
	access   *access.Facade
	watcher  *ingest.Watcher
	mirror   *mirror.Mirror
	metrics  *observe.Metrics
	loads    *loadClock
}

// Options overrides parts of the assembly, mostly for tests.
type Options struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// New opens the state store, rehydrates raw tables and builds every
// component described by cfg. The configuration should already be valid.
func New(ctx context.Context, cfg *config.Config, opts Options) (p *Pipeline, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	p = &Pipeline{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		notifier: notifier.New(),
		metrics:  observe.NewMetrics(),
		loads:    &loadClock{now: clock},
	}
	defer func() {
		if err != nil {
			_ = p.Close()
			p = nil
		}
	}()

	if err := p.openStore(); err != nil {
		return nil, err
	}
	observer := observe.Multi{observe.NewLog(logger), p.metrics, p.loads}

	// Raw tables
	p.raw = rawstore.New(p.notifier, logger)
	for _, t := range cfg.Tables {
		if err := p.raw.CreateTable(t.Name, t.Schema()); err != nil {
			return nil, err
		}
	}
	if err := p.raw.Rehydrate(ctx, p.store); err != nil {
		return nil, err
	}
	if err := p.loads.restore(ctx, p.store); err != nil {
		return nil, err
	}

	// Derived tables
	p.views = refresh.NewManager(p.raw, refresh.Options{
		Backoff:          cfg.Refresh.RetryBackoff,
		Timeout:          cfg.Refresh.Timeout,
		FailureThreshold: cfg.Refresh.FailureThreshold,
		Workers:          cfg.Refresh.Workers,
		TickInterval:     cfg.Refresh.TickInterval,
		Publisher:        p.notifier,
		Recorder:         p.store,
		Observer:         observer,
		Logger:           logger.With(slog.String("component", "refresh")),
		Clock:            clock,
	})
	specs := make([]refresh.NodeSpec, 0, len(cfg.Derived))
	for _, d := range cfg.Derived {
		r, err := recipe.New(d.Recipe, d.Inputs)
		if err != nil {
			return nil, fmt.Errorf("derived table %s: %w", d.Name, err)
		}
		specs = append(specs, refresh.NodeSpec{Name: d.Name, Inputs: d.Inputs, TargetLag: d.TargetLag, Recipe: r})
	}
	if err := p.views.DefineAll(specs); err != nil {
		return nil, err
	}
	p.catalog = catalog.New(p.raw, p.views)

	// Quality checks
	p.quality = quality.New(p.catalog, p.store, quality.Options{
		Workers:    cfg.Quality.Workers,
		Resolution: cfg.Quality.Resolution,
		Observer:   observer,
		Logger:     logger.With(slog.String("component", "quality")),
		Clock:      clock,
	})
	for _, c := range cfg.Checks {
		m, err := quality.NewMetric(c.Metric)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", c.ID, err)
		}
		if err := p.quality.Register(quality.Check{ID: c.ID, Table: c.Table, Metric: m, Interval: c.Interval}); err != nil {
			return nil, err
		}
	}

	// Access policies
	p.policies = policy.NewEngine(policy.NewResolver(cfg.Privileges), policy.Tags(cfg.Tags))
	if err := policy.LoadAll(p.policies, cfg.Policies); err != nil {
		return nil, err
	}
	p.access = access.New(p.catalog, p.policies, observer, logger.With(slog.String("component", "access")))

	// Ingestion
	tables := make([]ingest.Table, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		if t.Location != "" {
			if err := os.MkdirAll(t.Location, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create landing directory for %s: %w", t.Name, err)
			}
		}
		tables = append(tables, ingest.Table{
			Name:     t.Name,
			Location: t.Location,
			Pattern:  t.Pattern,
			OnError:  ingest.OnError(t.OnError),
		})
	}
	p.watcher, err = ingest.New(tables, p.store, p.raw, ingest.Options{
		Workers:      cfg.Ingest.Workers,
		PollInterval: cfg.Ingest.PollInterval,
		Backoff:      cfg.Ingest.RetryBackoff,
		Observer:     observer,
		Logger:       logger.With(slog.String("component", "ingest")),
		Clock:        clock,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Mirror.Enabled {
		p.mirror, err = mirror.Open(ctx, cfg.Mirror.Path, p.catalog, cfg.Refresh.RetryBackoff,
			logger.With(slog.String("component", "mirror")))
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("pipeline assembled",
		slog.Int("raw_tables", len(cfg.Tables)),
		slog.Int("derived_tables", len(cfg.Derived)),
		slog.Int("checks", len(cfg.Checks)),
		slog.Int("policies", len(cfg.Policies)),
		slog.Bool("mirror", p.mirror != nil))
	return p, nil
}

func (p *Pipeline) openStore() error {
	path := p.cfg.StatePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store := state.NewSQLiteStore(p.logger)
	if err := store.Open(path); err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	p.store = store
	return nil
}

// Run starts ingestion, the view manager, the quality scheduler, the
// mirror and, when an address is configured, the HTTP server. It blocks
// until ctx is cancelled or a component fails.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	changes := p.notifier.Subscribe()
	defer p.notifier.Unsubscribe(changes)

	g.Go(func() error { return p.watcher.Run(ctx) })
	g.Go(func() error { return p.views.Run(ctx, changes) })
	g.Go(func() error { return p.quality.Run(ctx) })
	if p.mirror != nil {
		g.Go(func() error { return p.mirror.Run(ctx, p.notifier) })
	}
	if p.cfg.Server.Addr != "" {
		g.Go(func() error { return p.Server().Serve(ctx) })
	}

	p.logger.Info("pipeline running",
		slog.Int("raw_tables", len(p.raw.Tables())),
		slog.Int("derived_tables", len(p.views.Names())))
	return g.Wait()
}

// IngestOnce loads every file currently due and returns the number loaded.
// Files that fail are recorded in the ledger and reported together.
func (p *Pipeline) IngestOnce(ctx context.Context) (int, error) {
	notices, err := p.watcher.Discover(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	var errs []error
	for _, n := range notices {
		if _, err := p.watcher.Ingest(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.FileID, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Server builds the HTTP surface over this pipeline.
func (p *Pipeline) Server() *server.Server {
	return server.New(server.Config{
		Addr:            p.cfg.Server.Addr,
		ShutdownTimeout: p.cfg.Server.ShutdownTimeout,
		Reader:          p.access,
		Catalog:         p.catalog,
		Ingestor:        p.watcher,
		Refresher:       p.views,
		Quality:         p.quality,
		LastLoad:        p.LastLoad,
		Metrics:         p.metrics.Handler(),
		Logger:          p.logger.With(slog.String("component", "server")),
		Clock:           p.clock,
	})
}

// Close releases the mirror and the state store.
func (p *Pipeline) Close() error {
	var errs []error
	if p.mirror != nil {
		errs = append(errs, p.mirror.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}

// LastLoad returns when a file last finished loading, or the zero time.
func (p *Pipeline) LastLoad() time.Time { return p.loads.last() }

// Accessors for the CLI.

func (p *Pipeline) Config() *config.Config       { return p.cfg }
func (p *Pipeline) Store() *state.SQLiteStore    { return p.store }
func (p *Pipeline) Raw() *rawstore.Store         { return p.raw }
func (p *Pipeline) Views() *refresh.Manager      { return p.views }
func (p *Pipeline) Catalog() *catalog.Catalog    { return p.catalog }
func (p *Pipeline) Quality() *quality.Engine     { return p.quality }
func (p *Pipeline) Policies() *policy.Engine     { return p.policies }
func (p *Pipeline) Access() *access.Facade       { return p.access }
func (p *Pipeline) Watcher() *ingest.Watcher     { return p.watcher }
func (p *Pipeline) Mirror() *mirror.Mirror       { return p.mirror }
func (p *Pipeline) Metrics() *observe.Metrics    { return p.metrics }
func (p *Pipeline) Notifier() *notifier.Notifier { return p.notifier }

// loadClock remembers the time of the most recent successful load.
type loadClock struct {
	observe.Nop
	now  func() time.Time
	nano atomic.Int64
}

func (c *loadClock) FileLoaded(string, string, int, int) {
	c.nano.Store(c.now().UnixNano())
}

func (c *loadClock) last() time.Time {
	n := c.nano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// restore seeds the clock from the ledger so freshness survives restarts.
func (c *loadClock) restore(ctx context.Context, ledger interface {
	ListFileStates(ctx context.Context, status core.FileStatus) ([]*core.FileIngestState, error)
}) error {
	states, err := ledger.ListFileStates(ctx, core.FileStatusLoaded)
	if err != nil {
		return fmt.Errorf("failed to read ingest ledger: %w", err)
	}
	var latest int64
	for _, st := range states {
		if n := st.UpdatedAt.UnixNano(); n > latest {
			latest = n
		}
	}
	c.nano.Store(latest)
	return nil
}
