package stepflow

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// predicate is the engine's view of a condition: panics and evaluation
// errors come back as errors.
type predicate[C any] func(ctx context.Context, c C) (bool, error)

func fromCondition[C any](cond Condition[C]) predicate[C] {
	return func(_ context.Context, c C) (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("condition panicked: %v", r)
			}
		}()
		return cond(c), nil
	}
}

// compileExpr compiles src against an environment exposing the step context
// as "ctx" and the request as "req".
func compileExpr[R any, C Context[R]](src string) (predicate[C], error) {
	var (
		zeroC C
		zeroR R
	)
	program, err := expr.Compile(src, expr.Env(map[string]any{"ctx": zeroC, "req": zeroR}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, src, err)
	}
	return exprPredicate[R, C](program), nil
}

func exprPredicate[R any, C Context[R]](program *vm.Program) predicate[C] {
	return func(_ context.Context, c C) (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("condition panicked: %v", r)
			}
		}()
		out, err := expr.Run(program, map[string]any{"ctx": c, "req": c.base().Request})
		if err != nil {
			return false, fmt.Errorf("evaluate condition: %w", err)
		}
		b, _ := out.(bool)
		return b, nil
	}
}
