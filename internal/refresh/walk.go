package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapflow/internal/notifier"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Outcome is the result of asking one node to refresh.
type Outcome string

// Outcomes.
const (
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeSkipped   Outcome = "skipped"   // inputs unchanged
	OutcomeDeferred  Outcome = "deferred"  // changed, but within target lag or backoff
	OutcomeCoalesced Outcome = "coalesced" // folded into the refresh in flight
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Report lists what a walk did to each node it visited.
type Report struct {
	mu       sync.Mutex
	Outcomes map[string]Outcome
}

func newReport() *Report {
	return &Report{Outcomes: make(map[string]Outcome)}
}

func (r *Report) set(node string, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes[node] = o
}

func (r *Report) get(node string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Outcomes[node]
}

// With returns the sorted names of nodes with the given outcome.
func (r *Report) With(o Outcome) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, got := range r.Outcomes {
		if got == o {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Tick evaluates every node, level by level.
func (m *Manager) Tick(ctx context.Context) (*Report, error) {
	return m.walk(ctx, nil, "")
}

// Trigger evaluates the nodes downstream of the changed tables.
func (m *Manager) Trigger(ctx context.Context, changed ...string) (*Report, error) {
	if len(changed) == 0 {
		return newReport(), nil
	}
	return m.walk(ctx, changed, "")
}

// Refresh forces a refresh of one node after bringing its upstream derived
// tables up to date. The forced node ignores target lag and backoff.
func (m *Manager) Refresh(ctx context.Context, name string) (*Report, error) {
	if !m.Has(name) {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	return m.walk(ctx, []string{name}, name)
}

// walk refreshes the affected part of the graph one level at a time. A level
// starts only after the previous one has finished, so a node always
// evaluates against inputs that already reflect the change being walked.
func (m *Manager) walk(ctx context.Context, roots []string, force string) (*Report, error) {
	m.mu.RLock()
	var ids []string
	switch {
	case force != "":
		ids = append(m.graph.GetUpstreamNodes(force), force)
	case roots != nil:
		ids = m.graph.GetAffectedNodes(roots)
	default:
		for _, gn := range m.graph.GetAllNodes() {
			ids = append(ids, gn.ID)
		}
	}
	sub := m.graph.Subgraph(ids)
	levels, err := sub.GetExecutionLevels()
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	plan := make([][]*node, 0, len(levels))
	for _, level := range levels {
		var nodes []*node
		for _, id := range level {
			if gn, _ := sub.GetNode(id); gn.Data != nil {
				nodes = append(nodes, gn.Data)
			}
		}
		if len(nodes) > 0 {
			plan = append(plan, nodes)
		}
	}
	m.mu.RUnlock()

	// behind holds nodes of this walk whose change is still being applied by
	// another walk's lease holder. Their descendants are left to that walk
	// rather than evaluated against the node's older content.
	report := newReport()
	behind := make(map[string]bool)
	for _, nodes := range plan {
		var g errgroup.Group
		g.SetLimit(m.opts.Workers)
		for _, n := range nodes {
			if readsAny(n.spec.Inputs, behind) {
				report.set(n.spec.Name, OutcomeCoalesced)
				behind[n.spec.Name] = true
				continue
			}
			g.Go(func() error {
				report.set(n.spec.Name, m.refresh(ctx, n, n.spec.Name == force))
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return report, err
		}

		for _, n := range nodes {
			switch report.get(n.spec.Name) {
			case OutcomeCoalesced:
				// A forced walk has to reach its target, so it waits for the
				// holder instead of handing the rest of the walk over.
				if force != "" && !behind[n.spec.Name] {
					if err := m.awaitIdle(ctx, n); err != nil {
						return report, err
					}
					continue
				}
				behind[n.spec.Name] = true
			case OutcomeCancelled:
				behind[n.spec.Name] = true
			}
		}
	}
	return report, nil
}

func readsAny(inputs []string, set map[string]bool) bool {
	for _, in := range inputs {
		if set[in] {
			return true
		}
	}
	return false
}

// awaitIdle blocks until nobody holds the node's lease. The holder runs the
// pending follow-up before releasing it.
func (m *Manager) awaitIdle(ctx context.Context, n *node) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	idle := n.idle
	n.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh takes the node's lease and evaluates it. A caller that finds the
// lease held either waits for it (target lag 0) or leaves a pending flag
// for the holder, which re-evaluates once against the latest inputs.
func (m *Manager) refresh(ctx context.Context, n *node, force bool) Outcome {
	var runCtx context.Context
	for {
		n.mu.Lock()
		if n.removed {
			n.mu.Unlock()
			return OutcomeCancelled
		}
		if !n.running {
			n.running = true
			n.idle = make(chan struct{})
			var cancel context.CancelFunc
			runCtx, cancel = context.WithCancel(ctx)
			n.cancel = cancel
			n.mu.Unlock()
			break
		}
		if n.spec.TargetLag > 0 && !force {
			n.pending = true
			n.mu.Unlock()
			return OutcomeCoalesced
		}
		idle := n.idle
		n.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return OutcomeCancelled
		}
	}

	defer func() {
		n.mu.Lock()
		n.running = false
		n.pending = false
		n.cancel()
		n.cancel = nil
		close(n.idle)
		n.mu.Unlock()
	}()

	outcome := m.runOnce(runCtx, n, force)
	for {
		n.mu.Lock()
		again := n.pending && runCtx.Err() == nil
		n.pending = false
		n.mu.Unlock()
		if !again {
			return outcome
		}
		if o := m.runOnce(runCtx, n, false); o != OutcomeSkipped && o != OutcomeDeferred {
			outcome = o
		}
	}
}

// runOnce decides whether the node is due and, if so, evaluates and
// publishes it. Callers hold the node's lease.
func (m *Manager) runOnce(ctx context.Context, n *node, force bool) Outcome {
	name := n.spec.Name
	now := m.now()

	inputs, versions, err := m.inputSnapshots(n.spec.Inputs)
	if err != nil {
		return m.fail(ctx, n, now, nil, err)
	}

	n.mu.Lock()
	st := n.state
	changed := st.LastRefreshedAt.IsZero() || !maps.Equal(st.LastInputVersions, versions)
	if !force {
		if !changed {
			n.mu.Unlock()
			return OutcomeSkipped
		}
		if st.Status == core.RefreshStatusFailed && now.Before(st.NextRetryAt) {
			n.mu.Unlock()
			return OutcomeDeferred
		}
		if !st.LastRefreshedAt.IsZero() && now.Sub(st.LastRefreshedAt) < n.spec.TargetLag {
			if st.Status != core.RefreshStatusFailed {
				n.state.Status = core.RefreshStatusStale
			}
			n.mu.Unlock()
			return OutcomeDeferred
		}
	}
	prevStatus := st.Status
	n.state.Status = core.RefreshStatusRefreshing
	n.mu.Unlock()

	m.observer.RefreshStarted(name)
	started := time.Now()
	out, err := m.evaluate(ctx, n, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return m.cancelled(ctx, n, now, versions, prevStatus)
		}
		return m.fail(ctx, n, now, versions, err)
	}

	prev := n.content.Load()
	snap := &core.TableSnapshot{
		Name:        name,
		Version:     prev.Version + 1,
		Columns:     out.Columns,
		Rows:        out.Rows,
		PublishedAt: m.now(),
	}

	n.mu.Lock()
	if n.removed {
		n.mu.Unlock()
		m.observer.RefreshCancelled(name)
		return OutcomeCancelled
	}
	n.content.Store(snap)
	n.state.Status = core.RefreshStatusFresh
	n.state.LastRefreshedAt = now
	n.state.LastInputVersions = versions
	n.state.Version = snap.Version
	n.state.RowCount = snap.Len()
	n.state.ConsecutiveFailures = 0
	n.state.LastError = ""
	n.state.NextRetryAt = time.Time{}
	n.mu.Unlock()

	m.observer.RefreshSucceeded(name, snap.Version, snap.Len(), time.Since(started))
	if m.opts.Publisher != nil {
		m.opts.Publisher.Publish(name, snap.Version)
	}

	rec := newRecord(name)
	rec.Status = core.RefreshStatusFresh
	rec.StartedAt = now
	rec.CompletedAt = snap.PublishedAt
	rec.InputVersions = maps.Clone(versions)
	rec.Version = snap.Version
	rec.RowCount = snap.Len()
	m.record(ctx, rec)
	return OutcomeRefreshed
}

// evaluate runs the recipe under the refresh timeout. A recipe that ignores
// its context is abandoned when the deadline passes.
func (m *Manager) evaluate(ctx context.Context, n *node, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
	evalCtx := ctx
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	type result struct {
		snap *core.TableSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("recipe panicked: %v", r)}
			}
		}()
		snap, err := n.spec.Recipe.Evaluate(evalCtx, inputs)
		done <- result{snap: snap, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.snap == nil {
			r.err = errors.New("recipe returned no content")
		}
		if r.err != nil {
			return nil, &core.RefreshError{Node: n.spec.Name, Timeout: errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil, Err: r.err}
		}
		return r.snap, nil
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.RefreshError{Node: n.spec.Name, Timeout: true, Err: evalCtx.Err()}
	}
}

func (m *Manager) fail(ctx context.Context, n *node, started time.Time, versions map[string]uint64, err error) Outcome {
	name := n.spec.Name
	var rerr *core.RefreshError
	if !errors.As(err, &rerr) {
		err = &core.RefreshError{Node: name, Err: err}
	}

	n.mu.Lock()
	n.state.Status = core.RefreshStatusFailed
	n.state.ConsecutiveFailures++
	n.state.LastError = err.Error()
	n.state.NextRetryAt = m.now().Add(m.opts.Backoff.Delay(n.state.ConsecutiveFailures))
	consecutive := n.state.ConsecutiveFailures
	n.mu.Unlock()

	m.observer.RefreshFailed(name, err, consecutive)
	if consecutive == m.opts.FailureThreshold {
		m.observer.NodeUnhealthy(name, consecutive)
	}

	rec := newRecord(name)
	rec.Status = core.RefreshStatusFailed
	rec.StartedAt = started
	rec.CompletedAt = m.now()
	rec.InputVersions = maps.Clone(versions)
	rec.Error = err.Error()
	m.record(ctx, rec)
	return OutcomeFailed
}

// cancelled leaves the previous content in place and marks the node stale.
// A node that was failing keeps its failure status.
func (m *Manager) cancelled(ctx context.Context, n *node, started time.Time, versions map[string]uint64, prev core.RefreshStatus) Outcome {
	n.mu.Lock()
	if prev == core.RefreshStatusFailed {
		n.state.Status = core.RefreshStatusFailed
	} else {
		n.state.Status = core.RefreshStatusStale
	}
	n.mu.Unlock()

	m.observer.RefreshCancelled(n.spec.Name)

	rec := newRecord(n.spec.Name)
	rec.Status = core.RefreshStatusStale
	rec.StartedAt = started
	rec.CompletedAt = m.now()
	rec.InputVersions = maps.Clone(versions)
	rec.Error = context.Canceled.Error()
	m.record(ctx, rec)
	return OutcomeCancelled
}

// Run refreshes on every tick and whenever a raw table feeding the graph
// changes. It returns when ctx is cancelled, after in-flight walks finish.
func (m *Manager) Run(ctx context.Context, changes <-chan notifier.Change) error {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	spawn := func(fn func(context.Context) (*Report, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("refresh walk failed", slog.String("error", err.Error()))
			}
		}()
	}

	m.logger.Info("view manager started", slog.Duration("tick_interval", m.opts.TickInterval))
	spawn(m.Tick)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("view manager stopping")
			return nil
		case <-ticker.C:
			spawn(m.Tick)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if m.isSource(c.Table) {
				table := c.Table
				spawn(func(ctx context.Context) (*Report, error) {
					return m.Trigger(ctx, table)
				})
			}
		}
	}
}

// isSource reports whether table is a raw table that feeds the graph.
// Derived tables propagate to their dependents within the walk that
// refreshed them.
func (m *Manager) isSource(table string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gn, ok := m.graph.GetNode(table)
	return ok && gn.Data == nil
}
