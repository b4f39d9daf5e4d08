package starlark

import (
	"context"
	"fmt"

	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var defaultPool = NewThreadPool(64, DefaultMaxSteps)

// Predeclared returns the globals available to every expression in addition
// to the caller's variables.
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		"time": starlarktime.Module,
	}
}

// Expr is a parsed Starlark expression, safe for concurrent evaluation.
type Expr struct {
	name   string
	source string
	expr   syntax.Expr
}

// Compile parses src as a single Starlark expression.
func Compile(name, src string) (*Expr, error) {
	if src == "" {
		return nil, fmt.Errorf("%s: empty expression", name)
	}
	e, err := syntax.ParseExpr(name, src, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Expr{name: name, source: src, expr: e}, nil
}

// MustCompile is like Compile but panics on error. Used in tests and for
// expressions known at build time.
func MustCompile(name, src string) *Expr {
	e, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return e
}

// Source returns the expression text.
func (e *Expr) Source() string { return e.source }

// Eval evaluates the expression with vars bound as globals and converts the
// result back to Go. Cancelling ctx aborts the evaluation.
func (e *Expr) Eval(ctx context.Context, vars map[string]any) (any, error) {
	v, err := e.eval(ctx, vars)
	if err != nil {
		return nil, err
	}
	out, err := ToGo(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	return out, nil
}

// EvalBool evaluates the expression and requires a boolean result.
func (e *Expr) EvalBool(ctx context.Context, vars map[string]any) (bool, error) {
	v, err := e.eval(ctx, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %s", e.name, v.Type())
	}
	return bool(b), nil
}

func (e *Expr) eval(ctx context.Context, vars map[string]any) (starlark.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	env := Predeclared()
	for k, v := range vars {
		sv, err := GoToStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("%s: variable %q: %w", e.name, k, err)
		}
		env[k] = sv
	}

	thread := defaultPool.Get(e.name)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})

	v, err := starlark.EvalExprOptions(&syntax.FileOptions{}, thread, e.expr, env)

	// A thread whose context fired may still be cancelled by the callback,
	// so only threads that finished first go back to the pool.
	if stop() {
		defaultPool.Put(thread)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	return v, nil
}
