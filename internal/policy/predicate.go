package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapflow/internal/starlark"
)

// Predicate decides whether a row is visible from its filter column value.
type Predicate interface {
	Name() string
	Eval(ctx context.Context, id Identity, value any) (bool, error)
}

// In admits rows whose value is in a fixed set.
type In struct {
	values map[string]bool
}

// NewIn creates an In predicate.
func NewIn(values ...string) *In {
	p := &In{values: make(map[string]bool, len(values))}
	for _, v := range values {
		p.values[v] = true
	}
	return p
}

// Name implements Predicate.
func (*In) Name() string { return "in" }

// Eval implements Predicate. Null never matches.
func (p *In) Eval(_ context.Context, _ Identity, value any) (bool, error) {
	if value == nil {
		return false, nil
	}
	return p.values[fmt.Sprint(value)], nil
}

// RoleMap admits rows whose value is allowed for one of the identity's
// roles or its account. An allowed value of "*" admits every row.
type RoleMap struct {
	Roles    map[string][]string
	Accounts map[string][]string
}

// Name implements Predicate.
func (*RoleMap) Name() string { return "role_map" }

// Eval implements Predicate.
func (p *RoleMap) Eval(_ context.Context, id Identity, value any) (bool, error) {
	if value == nil {
		return false, nil
	}
	v := fmt.Sprint(value)
	allowed := func(values []string) bool {
		for _, a := range values {
			if a == "*" || a == v {
				return true
			}
		}
		return false
	}
	for role, values := range p.Roles {
		if id.HasRole(role) && allowed(values) {
			return true, nil
		}
	}
	for acct, values := range p.Accounts {
		if id.Account != "" && strings.EqualFold(acct, id.Account) && allowed(values) {
			return true, nil
		}
	}
	return false, nil
}

// Expr admits rows for which a Starlark expression over value and identity
// is true.
type Expr struct {
	expr *starlark.Expr
}

// NewExpr compiles an Expr predicate.
func NewExpr(src string) (*Expr, error) {
	e, err := starlark.Compile("row_filter", src)
	if err != nil {
		return nil, err
	}
	return &Expr{expr: e}, nil
}

// Name implements Predicate.
func (*Expr) Name() string { return "expr" }

// Eval implements Predicate. A non-boolean result is an error.
func (p *Expr) Eval(ctx context.Context, id Identity, value any) (bool, error) {
	return p.expr.EvalBool(ctx, map[string]any{
		"value":    value,
		"identity": id.asMap(),
	})
}
