package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Tags assigns tags to columns: table -> column -> tags.
type Tags map[string]map[string][]string

func (t Tags) has(table, column, tag string) bool {
	for c, tags := range t[table] {
		if !strings.EqualFold(c, column) {
			continue
		}
		for _, got := range tags {
			if strings.EqualFold(got, tag) {
				return true
			}
		}
	}
	return false
}

// Engine holds the active policies.
type Engine struct {
	resolver *Resolver

	mu       sync.RWMutex
	tags     Tags
	policies map[string]Policy
}

// NewEngine creates an engine. A nil resolver grants full access to nobody.
func NewEngine(resolver *Resolver, tags Tags) *Engine {
	if resolver == nil {
		resolver = NewResolver(PrivilegeConfig{})
	}
	if tags == nil {
		tags = Tags{}
	}
	return &Engine{resolver: resolver, tags: tags, policies: make(map[string]Policy)}
}

// Add registers a policy. It must implement ColumnMasker or RowPredicate.
func (e *Engine) Add(p Policy) error {
	if p.ID() == "" {
		return fmt.Errorf("policy id is required")
	}
	if err := p.Target().validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.ID(), err)
	}
	_, masks := p.(ColumnMasker)
	_, filters := p.(RowPredicate)
	if !masks && !filters {
		return fmt.Errorf("policy %s: neither masks columns nor filters rows", p.ID())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID()]; exists {
		return fmt.Errorf("policy %s already exists", p.ID())
	}
	e.policies[p.ID()] = p
	return nil
}

// Remove drops a policy.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.policies[id]
	delete(e.policies, id)
	return ok
}

// Policies returns the active policies sorted by id.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted()
}

func (e *Engine) sorted() []Policy {
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetTags replaces the column tags.
func (e *Engine) SetTags(tags Tags) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tags == nil {
		tags = Tags{}
	}
	e.tags = tags
}

// Privilege resolves an identity's privilege level.
func (e *Engine) Privilege(id Identity) Privilege {
	return e.resolver.Resolve(id)
}

// matches reports whether target attaches to table.column.
func (e *Engine) matches(t Target, table, column string) bool {
	if t.Table != "" && !strings.EqualFold(t.Table, table) {
		return false
	}
	if t.Tag != "" {
		return e.tags.has(table, column, t.Tag)
	}
	return strings.EqualFold(t.Column, column)
}

// Resolve builds the read plan for identity over table. Full-privilege
// identities get an empty plan. More than one mask on a column, or a row
// filter on a column the table does not have, is a resolution error.
func (e *Engine) Resolve(table string, columns []string, id Identity) (*Plan, error) {
	plan := &Plan{Table: table, Privilege: e.resolver.Resolve(id), identity: id}
	if plan.Privilege == PrivilegeFull {
		return plan, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.sorted() {
		t := p.Target()
		attached := false
		for _, col := range columns {
			if !e.matches(t, table, col) {
				continue
			}
			attached = true
			if m, ok := p.(ColumnMasker); ok {
				if prev, dup := plan.masks[col]; dup {
					return nil, &core.PolicyResolutionError{
						PolicyID: p.ID(),
						Table:    table,
						Err:      fmt.Errorf("column %s is already masked by %s", col, prev.ID()),
					}
				}
				if plan.masks == nil {
					plan.masks = make(map[string]ColumnMasker)
				}
				plan.masks[col] = m
			}
			if f, ok := p.(RowPredicate); ok {
				plan.filters = append(plan.filters, boundFilter{column: col, pred: f})
			}
		}
		// A filter that names a column the table lacks cannot be applied;
		// serving the rows unfiltered would fail open.
		if !attached && t.Tag == "" && strings.EqualFold(t.Table, table) {
			if _, ok := p.(RowPredicate); ok {
				return nil, &core.PolicyResolutionError{
					PolicyID: p.ID(),
					Table:    table,
					Err:      fmt.Errorf("filter column %s not found", t.Column),
				}
			}
		}
	}
	return plan, nil
}

type boundFilter struct {
	column string
	pred   RowPredicate
}

// Plan is the set of masks and filters that apply to one read.
type Plan struct {
	Table     string
	Privilege Privilege

	identity Identity
	masks    map[string]ColumnMasker
	filters  []boundFilter
}

// Masked returns the masked columns and their policy ids.
func (p *Plan) Masked() map[string]string {
	out := make(map[string]string, len(p.masks))
	for col, m := range p.masks {
		out[col] = m.ID()
	}
	return out
}

// Filters returns the ids of the row filters in the plan.
func (p *Plan) Filters() []string {
	out := make([]string, 0, len(p.filters))
	for _, f := range p.filters {
		out = append(out, f.pred.ID())
	}
	return out
}

// Apply filters rows first, then masks the rows that remain. It returns
// new rows and never modifies its input. Any policy error fails the whole
// read with a *core.PolicyResolutionError.
func (p *Plan) Apply(ctx context.Context, rows []core.Row) ([]core.Row, error) {
	if len(p.masks) == 0 && len(p.filters) == 0 {
		out := make([]core.Row, len(rows))
		for i, r := range rows {
			out[i] = r.Clone()
		}
		return out, nil
	}

	out := make([]core.Row, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		visible, err := p.visible(ctx, row)
		if err != nil {
			return nil, err
		}
		if !visible {
			continue
		}
		masked := row.Clone()
		for col, m := range p.masks {
			v, err := m.Mask(ctx, p.identity, row[col])
			if err != nil {
				return nil, p.denied(m.ID(), fmt.Errorf("mask %s: %w", col, err))
			}
			masked[col] = v
		}
		out = append(out, masked)
	}
	return out, nil
}

func (p *Plan) visible(ctx context.Context, row core.Row) (bool, error) {
	for _, f := range p.filters {
		ok, err := f.pred.Allow(ctx, p.identity, row[f.column])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false, err
			}
			return false, p.denied(f.pred.ID(), fmt.Errorf("filter %s: %w", f.column, err))
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plan) denied(policyID string, err error) error {
	return &core.PolicyResolutionError{PolicyID: policyID, Table: p.Table, Err: err}
}
