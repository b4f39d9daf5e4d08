// Package access is the read path for callers: it serves the latest
// published content of a table with the caller's policies applied.
package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leapstack-labs/leapflow/internal/observe"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Catalog resolves a table name to its latest published snapshot.
type Catalog interface {
	Snapshot(name string) (*core.TableSnapshot, error)
}

// Result is the policy-applied content of one read.
type Result struct {
	Table     string           `json:"table"`
	Columns   []string         `json:"columns"`
	Rows      []core.Row       `json:"rows"`
	Version   uint64           `json:"version"`
	Privilege policy.Privilege `json:"-"`
}

// Facade serves reads. Nothing is cached across calls or identities.
type Facade struct {
	catalog  Catalog
	policies *policy.Engine
	observer observe.Observer
	logger   *slog.Logger
}

// New creates a facade.
func New(catalog Catalog, policies *policy.Engine, observer observe.Observer, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policies == nil {
		policies = policy.NewEngine(nil, nil)
	}
	return &Facade{
		catalog:  catalog,
		policies: policies,
		observer: observe.OrNop(observer),
		logger:   logger,
	}
}

// Read returns the latest published content of table as id may observe it.
// It returns core.ErrTableNotFound for unknown tables and a
// *core.PolicyResolutionError when a policy denies the read. On error no
// rows are returned.
func (f *Facade) Read(ctx context.Context, table string, id policy.Identity) (*Result, error) {
	snap, err := f.catalog.Snapshot(table)
	if err != nil {
		return nil, err
	}
	if snap.Version == 0 && len(snap.Rows) == 0 {
		return f.unpublished(snap, id), nil
	}

	plan, err := f.policies.Resolve(snap.Name, snap.Columns, id)
	if err != nil {
		f.denied(table, id, err)
		return nil, err
	}
	rows, err := plan.Apply(ctx, snap.Rows)
	if err != nil {
		var perr *core.PolicyResolutionError
		if errors.As(err, &perr) {
			f.denied(table, id, err)
		}
		return nil, err
	}

	f.observer.ReadServed(table, plan.Privilege.String(), len(rows))
	return &Result{
		Table:     snap.Name,
		Columns:   append([]string(nil), snap.Columns...),
		Rows:      rows,
		Version:   snap.Version,
		Privilege: plan.Privilege,
	}, nil
}

// unpublished serves a table that has never been refreshed. Its columns are
// not known yet, so filters are not resolved against them; there are no
// rows for them to hide.
func (f *Facade) unpublished(snap *core.TableSnapshot, id policy.Identity) *Result {
	privilege := f.policies.Privilege(id)
	f.observer.ReadServed(snap.Name, privilege.String(), 0)
	return &Result{
		Table:     snap.Name,
		Columns:   append([]string(nil), snap.Columns...),
		Rows:      []core.Row{},
		Privilege: privilege,
	}
}

func (f *Facade) denied(table string, id policy.Identity, err error) {
	f.observer.ReadDenied(table, err)
	f.logger.Debug("read denied",
		slog.String("table", table),
		slog.String("user", id.User),
		slog.String("error", err.Error()))
}
