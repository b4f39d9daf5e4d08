// Package refresh implements the incremental view manager: it owns the DAG
// of derived tables and keeps each within its target lag of its inputs,
// recomputing only nodes whose inputs changed.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapflow/internal/backoff"
	"github.com/leapstack-labs/leapflow/internal/dag"
	"github.com/leapstack-labs/leapflow/internal/notifier"
	"github.com/leapstack-labs/leapflow/internal/observe"
	"github.com/leapstack-labs/leapflow/internal/recipe"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Source provides the published snapshots of raw tables.
type Source interface {
	Snapshot(name string) (*core.TableSnapshot, bool)
}

// Publisher is told about every derived version published.
type Publisher interface {
	Publish(table string, version uint64)
}

// Recorder persists refresh history.
type Recorder interface {
	RecordRefresh(ctx context.Context, rec *core.RefreshRecord) error
}

// NodeSpec defines a derived table.
type NodeSpec struct {
	Name      string
	Inputs    []string
	TargetLag time.Duration
	Recipe    recipe.Recipe
}

// NodeInfo describes a defined node.
type NodeInfo struct {
	Name      string
	Inputs    []string
	TargetLag time.Duration
	Level     int
}

// Options configures a Manager.
type Options struct {
	Backoff          backoff.Policy
	Timeout          time.Duration
	FailureThreshold int
	Workers          int
	TickInterval     time.Duration

	Publisher Publisher
	Recorder  Recorder
	Observer  observe.Observer
	Logger    *slog.Logger
	Clock     func() time.Time
}

// node is a derived table owned by the manager's graph. A nil *node in the
// graph marks a raw source table.
type node struct {
	spec NodeSpec

	mu      sync.Mutex
	state   core.RefreshState
	running bool
	pending bool
	removed bool
	idle    chan struct{}
	cancel  context.CancelFunc

	content atomic.Pointer[core.TableSnapshot]
}

// Manager is the incremental view manager.
type Manager struct {
	mu    sync.RWMutex
	graph *dag.Graph[*node]

	source   Source
	opts     Options
	observer observe.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a manager reading raw tables from source.
func NewManager(source Source, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default()
	}
	return &Manager{
		graph:    dag.NewGraph[*node](),
		source:   source,
		opts:     opts,
		observer: observe.OrNop(opts.Observer),
		logger:   opts.Logger,
		now:      opts.Clock,
	}
}

// Define adds one derived table. See DefineAll.
func (m *Manager) Define(spec NodeSpec) error {
	return m.DefineAll([]NodeSpec{spec})
}

// DefineAll adds a set of derived tables that may reference each other in
// any order. Every input must be a derived table (existing or in the set) or
// a raw table known to the source. Definitions that would introduce a cycle
// are rejected and leave the graph unchanged.
func (m *Manager) DefineAll(specs []NodeSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return err
		}
		if seen[spec.Name] || m.graph.HasNode(spec.Name) {
			return fmt.Errorf("table %s is already defined", spec.Name)
		}
		if _, raw := m.source.Snapshot(spec.Name); raw {
			return fmt.Errorf("table %s is already defined as a raw table", spec.Name)
		}
		seen[spec.Name] = true
	}

	var added []string
	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			_ = m.graph.RemoveNode(added[i])
		}
	}

	for _, spec := range specs {
		n := &node{spec: spec}
		n.state = core.RefreshState{Node: spec.Name, Status: core.RefreshStatusStale}
		n.content.Store(&core.TableSnapshot{Name: spec.Name})
		m.graph.AddNode(spec.Name, n)
		added = append(added, spec.Name)
	}

	for _, spec := range specs {
		for _, in := range spec.Inputs {
			if !m.graph.HasNode(in) {
				if _, raw := m.source.Snapshot(in); !raw {
					rollback()
					return fmt.Errorf("table %s: unknown input %q", spec.Name, in)
				}
				m.graph.AddNode(in, nil)
				added = append(added, in)
			}
			if err := m.graph.AddEdge(in, spec.Name); err != nil {
				rollback()
				return fmt.Errorf("table %s: %w", spec.Name, err)
			}
		}
	}

	if cyclic, path := m.graph.HasCycle(); cyclic {
		rollback()
		return fmt.Errorf("%w: %v", dag.ErrCycle, path)
	}

	for _, spec := range specs {
		m.logger.Debug("derived table defined",
			slog.String("node", spec.Name),
			slog.Any("inputs", spec.Inputs),
			slog.Duration("target_lag", spec.TargetLag))
	}
	return nil
}

func validateSpec(spec NodeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("derived table name is required")
	}
	if len(spec.Inputs) == 0 {
		return fmt.Errorf("table %s: at least one input is required", spec.Name)
	}
	if spec.Recipe == nil {
		return fmt.Errorf("table %s: recipe is required", spec.Name)
	}
	if spec.TargetLag < 0 {
		return fmt.Errorf("table %s: target lag must not be negative", spec.Name)
	}
	return nil
}

// Remove deletes a derived table that has no dependents. A refresh in
// flight is cancelled; its previous content is discarded with the node.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gn, ok := m.graph.GetNode(name)
	if !ok || gn.Data == nil {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	if children := m.graph.GetChildren(name); len(children) > 0 {
		return fmt.Errorf("table %s has dependents: %v", name, children)
	}

	n := gn.Data
	n.mu.Lock()
	n.removed = true
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	parents := m.graph.GetParents(name)
	if err := m.graph.RemoveNode(name); err != nil {
		return err
	}
	// Drop raw source nodes nothing depends on any more.
	for _, p := range parents {
		if pn, ok := m.graph.GetNode(p); ok && pn.Data == nil && len(m.graph.GetChildren(p)) == 0 {
			_ = m.graph.RemoveNode(p)
		}
	}
	m.logger.Info("derived table removed", slog.String("node", name))
	return nil
}

func (m *Manager) lookup(name string) (*node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gn, ok := m.graph.GetNode(name)
	if !ok || gn.Data == nil {
		return nil, false
	}
	return gn.Data, true
}

// Has reports whether name is a derived table.
func (m *Manager) Has(name string) bool {
	_, ok := m.lookup(name)
	return ok
}

// Snapshot returns the last published content of a derived table. A node
// that never refreshed has an empty version-0 snapshot.
func (m *Manager) Snapshot(name string) (*core.TableSnapshot, bool) {
	n, ok := m.lookup(name)
	if !ok {
		return nil, false
	}
	return n.content.Load(), true
}

// State returns a copy of a node's refresh state.
func (m *Manager) State(name string) (core.RefreshState, bool) {
	n, ok := m.lookup(name)
	if !ok {
		return core.RefreshState{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Clone(), true
}

// States returns copies of every node's refresh state, sorted by name.
func (m *Manager) States() []core.RefreshState {
	m.mu.RLock()
	nodes := m.derivedNodes(m.graph.GetAllNodes())
	m.mu.RUnlock()

	out := make([]core.RefreshState, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		out = append(out, n.state.Clone())
		n.mu.Unlock()
	}
	return out
}

// Nodes describes every defined derived table, sorted by name.
func (m *Manager) Nodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	level := make(map[string]int)
	if levels, err := m.graph.GetExecutionLevels(); err == nil {
		for i, ids := range levels {
			for _, id := range ids {
				level[id] = i
			}
		}
	}
	var out []NodeInfo
	for _, gn := range m.graph.GetAllNodes() {
		if gn.Data == nil {
			continue
		}
		out = append(out, NodeInfo{
			Name:      gn.ID,
			Inputs:    append([]string(nil), gn.Data.spec.Inputs...),
			TargetLag: gn.Data.spec.TargetLag,
			Level:     level[gn.ID],
		})
	}
	return out
}

// Names returns the derived table names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, gn := range m.graph.GetAllNodes() {
		if gn.Data != nil {
			out = append(out, gn.ID)
		}
	}
	return out
}

// Levels returns derived table names grouped by refresh level. Tables in a
// level only depend on tables in earlier levels or on raw tables.
func (m *Manager) Levels() ([][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	levels, err := m.graph.GetExecutionLevels()
	if err != nil {
		return nil, err
	}
	var out [][]string
	for _, ids := range levels {
		var derived []string
		for _, id := range ids {
			if gn, _ := m.graph.GetNode(id); gn.Data != nil {
				derived = append(derived, id)
			}
		}
		if len(derived) > 0 {
			out = append(out, derived)
		}
	}
	return out, nil
}

// Dependents returns the derived tables that read table directly.
func (m *Manager) Dependents(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.graph.HasNode(table) {
		return nil
	}
	children := m.graph.GetChildren(table)
	sort.Strings(children)
	return children
}

func (m *Manager) derivedNodes(gns []*dag.Node[*node]) []*node {
	out := make([]*node, 0, len(gns))
	for _, gn := range gns {
		if gn.Data != nil {
			out = append(out, gn.Data)
		}
	}
	return out
}

// inputSnapshots captures the current published snapshot of each input.
func (m *Manager) inputSnapshots(inputs []string) (map[string]*core.TableSnapshot, map[string]uint64, error) {
	snaps := make(map[string]*core.TableSnapshot, len(inputs))
	versions := make(map[string]uint64, len(inputs))
	for _, in := range inputs {
		snap, ok := m.Snapshot(in)
		if !ok {
			snap, ok = m.source.Snapshot(in)
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: input %s", core.ErrTableNotFound, in)
		}
		snaps[in] = snap
		versions[in] = snap.Version
	}
	return snaps, versions, nil
}

func newRecord(node string) *core.RefreshRecord {
	return &core.RefreshRecord{ID: uuid.NewString(), Node: node}
}

func (m *Manager) record(ctx context.Context, rec *core.RefreshRecord) {
	if m.opts.Recorder == nil {
		return
	}
	if err := m.opts.Recorder.RecordRefresh(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("failed to record refresh",
			slog.String("node", rec.Node),
			slog.String("error", err.Error()))
	}
}

var _ Source = (*Manager)(nil)
var _ Publisher = (*notifier.Notifier)(nil)
