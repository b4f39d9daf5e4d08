package policy

import (
	"context"
	"fmt"
)

// Kind distinguishes policy variants.
type Kind string

// Policy kinds.
const (
	KindMask      Kind = "mask"
	KindRowFilter Kind = "row_filter"
)

// Target selects the columns a policy attaches to: a table column, or every
// column carrying Tag (optionally limited to Table).
type Target struct {
	Table  string
	Column string
	Tag    string
}

func (t Target) validate() error {
	if t.Tag == "" && (t.Table == "" || t.Column == "") {
		return fmt.Errorf("target needs a table and column, or a tag")
	}
	if t.Tag != "" && t.Column != "" {
		return fmt.Errorf("target cannot name both a column and a tag")
	}
	return nil
}

func (t Target) String() string {
	switch {
	case t.Tag != "" && t.Table != "":
		return t.Table + "#" + t.Tag
	case t.Tag != "":
		return "#" + t.Tag
	default:
		return t.Table + "." + t.Column
	}
}

// Policy is a named rule attached to a target.
type Policy interface {
	ID() string
	Kind() Kind
	Target() Target
}

// ColumnMasker is a policy that rewrites a column's values.
type ColumnMasker interface {
	Policy
	Mask(ctx context.Context, id Identity, value any) (any, error)
}

// RowPredicate is a policy that hides rows by their target column value.
type RowPredicate interface {
	Policy
	Allow(ctx context.Context, id Identity, value any) (bool, error)
}

// MaskPolicy masks a column with a transform.
type MaskPolicy struct {
	PolicyID  string
	On        Target
	Transform Transform
}

// ID implements Policy.
func (p *MaskPolicy) ID() string { return p.PolicyID }

// Kind implements Policy.
func (p *MaskPolicy) Kind() Kind { return KindMask }

// Target implements Policy.
func (p *MaskPolicy) Target() Target { return p.On }

// Mask implements ColumnMasker.
func (p *MaskPolicy) Mask(_ context.Context, _ Identity, value any) (any, error) {
	if p.Transform == nil {
		return nil, fmt.Errorf("no transform")
	}
	return p.Transform.Apply(value)
}

// RowFilterPolicy hides rows for which its predicate is false.
type RowFilterPolicy struct {
	PolicyID  string
	On        Target
	Predicate Predicate
}

// ID implements Policy.
func (p *RowFilterPolicy) ID() string { return p.PolicyID }

// Kind implements Policy.
func (p *RowFilterPolicy) Kind() Kind { return KindRowFilter }

// Target implements Policy.
func (p *RowFilterPolicy) Target() Target { return p.On }

// Allow implements RowPredicate.
func (p *RowFilterPolicy) Allow(ctx context.Context, id Identity, value any) (bool, error) {
	if p.Predicate == nil {
		return false, fmt.Errorf("no predicate")
	}
	return p.Predicate.Eval(ctx, id, value)
}

var (
	_ ColumnMasker = (*MaskPolicy)(nil)
	_ RowPredicate = (*RowFilterPolicy)(nil)
)
