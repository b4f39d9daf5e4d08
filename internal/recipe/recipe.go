// Package recipe provides the deterministic transformations that compute a
// derived table from the published snapshots of its inputs.
package recipe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Recipe computes a derived table's content. Implementations must be pure:
// the same inputs always yield the same output, and inputs are never modified.
// The returned snapshot carries Columns and Rows; the caller assigns the
// name and version when publishing.
type Recipe interface {
	Evaluate(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error)
}

// Func adapts a function to the Recipe interface.
type Func func(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, inputs map[string]*core.TableSnapshot) (*core.TableSnapshot, error) {
	return f(ctx, inputs)
}

// Spec is the declarative form of a recipe as it appears in configuration.
type Spec struct {
	Kind       string      `koanf:"kind"`
	From       string      `koanf:"from"`
	Columns    []string    `koanf:"columns"`
	Where      string      `koanf:"where"`
	Derive     []Derived   `koanf:"derive"`
	GroupBy    []string    `koanf:"group_by"`
	Aggregates []Aggregate `koanf:"aggregates"`
}

// Derived is a computed column.
type Derived struct {
	Name string `koanf:"name"`
	Expr string `koanf:"expr"`
}

// Aggregate is one aggregated output column.
type Aggregate struct {
	Name   string `koanf:"name"`
	Func   string `koanf:"func"`
	Column string `koanf:"column"`
	Where  string `koanf:"where"`
	Round  *int   `koanf:"round"`
}

// Factory builds a recipe from its spec and the node's declared inputs.
type Factory func(spec Spec, inputs []string) (Recipe, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("select", newSelect)
	Register("union", newUnion)
	Register("aggregate", newAggregate)
}

// Register adds a recipe factory to the registry.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Get retrieves a recipe factory by kind.
func Get(kind string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

// ListKinds returns all registered recipe kinds (sorted).
func ListKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds a recipe from spec. An empty kind means "select".
func New(spec Spec, inputs []string) (Recipe, error) {
	kind := spec.Kind
	if kind == "" {
		kind = "select"
	}
	factory, ok := Get(kind)
	if !ok {
		return nil, &UnknownKindError{Kind: kind, Available: ListKinds()}
	}
	return factory(spec, inputs)
}

// UnknownKindError is returned when an unknown recipe kind is requested.
type UnknownKindError struct {
	Kind      string
	Available []string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown recipe kind %q (available: %v)", e.Kind, e.Available)
}

// resolveFrom picks the source input for single-input recipes.
func resolveFrom(from string, inputs []string) (string, error) {
	if from == "" {
		if len(inputs) != 1 {
			return "", fmt.Errorf("recipe needs 'from' when the node has %d inputs", len(inputs))
		}
		return inputs[0], nil
	}
	for _, in := range inputs {
		if in == from {
			return from, nil
		}
	}
	return "", fmt.Errorf("recipe source %q is not a declared input", from)
}

func input(inputs map[string]*core.TableSnapshot, name string) (*core.TableSnapshot, error) {
	snap, ok := inputs[name]
	if !ok || snap == nil {
		return nil, fmt.Errorf("%w: input %s", core.ErrTableNotFound, name)
	}
	return snap, nil
}

func rowVars(row core.Row) map[string]any {
	return map[string]any(row)
}
