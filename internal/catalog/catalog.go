// Package catalog resolves table names to their latest published snapshot,
// whether the table is raw or derived.
package catalog

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Raw is the raw table side of the catalog.
type Raw interface {
	Snapshot(name string) (*core.TableSnapshot, bool)
	Tables() []string
}

// Derived is the derived table side of the catalog.
type Derived interface {
	Snapshot(name string) (*core.TableSnapshot, bool)
	Has(name string) bool
}

// Lister is implemented by derived sources that can enumerate their tables.
type Lister interface {
	Names() []string
}

// Catalog looks tables up in the raw store first, then the derived tables.
// Names are unique across both; the view manager rejects definitions that
// shadow a raw table.
type Catalog struct {
	raw     Raw
	derived Derived
}

// New creates a catalog over the given stores. Either may be nil.
func New(raw Raw, derived Derived) *Catalog {
	return &Catalog{raw: raw, derived: derived}
}

// Snapshot returns the latest published content of a table.
func (c *Catalog) Snapshot(name string) (*core.TableSnapshot, error) {
	snap, _, err := c.Lookup(name)
	return snap, err
}

// Lookup returns the latest published content of a table and its kind.
func (c *Catalog) Lookup(name string) (*core.TableSnapshot, core.TableKind, error) {
	if c.raw != nil {
		if snap, ok := c.raw.Snapshot(name); ok {
			return snap, core.TableKindRaw, nil
		}
	}
	if c.derived != nil {
		if snap, ok := c.derived.Snapshot(name); ok {
			return snap, core.TableKindDerived, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
}

// Has reports whether name is a known table.
func (c *Catalog) Has(name string) bool {
	_, _, err := c.Lookup(name)
	return err == nil
}

// Tables returns every known table name, sorted.
func (c *Catalog) Tables() []string {
	var out []string
	if c.raw != nil {
		out = append(out, c.raw.Tables()...)
	}
	if l, ok := c.derived.(Lister); ok {
		out = append(out, l.Names()...)
	}
	sort.Strings(out)
	return out
}
