package policy

import (
	"fmt"
)

// Spec is the configuration form of a policy.
type Spec struct {
	ID     string     `koanf:"id"`
	Kind   Kind       `koanf:"kind"`
	Table  string     `koanf:"table"`
	Column string     `koanf:"column"`
	Tag    string     `koanf:"tag"`
	Mask   MaskSpec   `koanf:"mask"`
	Filter FilterSpec `koanf:"filter"`
}

// MaskSpec configures a mask transform.
type MaskSpec struct {
	Transform   string  `koanf:"transform"` // floor, redact, nullify, hash
	Bucket      float64 `koanf:"bucket"`
	Replacement string  `koanf:"replacement"`
	Length      int     `koanf:"length"`
}

// FilterSpec configures a row filter predicate.
type FilterSpec struct {
	Predicate string              `koanf:"predicate"` // in, role_map, expr
	Values    []string            `koanf:"values"`
	Roles     map[string][]string `koanf:"roles"`
	Accounts  map[string][]string `koanf:"accounts"`
	Expr      string              `koanf:"expr"`
}

// Build turns a spec into a policy.
func Build(s Spec) (Policy, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("policy id is required")
	}
	target := Target{Table: s.Table, Column: s.Column, Tag: s.Tag}
	if err := target.validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", s.ID, err)
	}

	switch s.Kind {
	case KindMask:
		t, err := buildTransform(s.Mask)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", s.ID, err)
		}
		return &MaskPolicy{PolicyID: s.ID, On: target, Transform: t}, nil
	case KindRowFilter:
		p, err := buildPredicate(s.Filter)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", s.ID, err)
		}
		return &RowFilterPolicy{PolicyID: s.ID, On: target, Predicate: p}, nil
	default:
		return nil, fmt.Errorf("policy %s: unknown kind %q", s.ID, s.Kind)
	}
}

func buildTransform(m MaskSpec) (Transform, error) {
	switch m.Transform {
	case "floor":
		if m.Bucket <= 0 {
			return nil, fmt.Errorf("floor mask needs a positive bucket")
		}
		return Floor{Bucket: m.Bucket}, nil
	case "redact":
		return Redact{Replacement: m.Replacement}, nil
	case "nullify":
		return Nullify{}, nil
	case "hash":
		return Hash{Length: m.Length}, nil
	default:
		return nil, fmt.Errorf("unknown mask transform %q", m.Transform)
	}
}

func buildPredicate(f FilterSpec) (Predicate, error) {
	switch f.Predicate {
	case "in":
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("in predicate needs values")
		}
		return NewIn(f.Values...), nil
	case "role_map":
		if len(f.Roles) == 0 && len(f.Accounts) == 0 {
			return nil, fmt.Errorf("role_map predicate needs roles or accounts")
		}
		return &RoleMap{Roles: f.Roles, Accounts: f.Accounts}, nil
	case "expr":
		return NewExpr(f.Expr)
	default:
		return nil, fmt.Errorf("unknown row filter predicate %q", f.Predicate)
	}
}

// LoadAll builds every spec and registers it with e.
func LoadAll(e *Engine, specs []Spec) error {
	for _, s := range specs {
		p, err := Build(s)
		if err != nil {
			return err
		}
		if err := e.Add(p); err != nil {
			return err
		}
	}
	return nil
}
