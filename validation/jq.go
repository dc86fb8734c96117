package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/stepflow"
	"github.com/itchyny/gojq"
)

// Rule is a jq expression that must evaluate to true for a valid request.
type Rule struct {
	Property string
	Expr     string
	Message  string
}

type compiledRule struct {
	Rule
	code *gojq.Code
}

// JQValidator checks requests against jq rules. Every rule runs; each one
// that does not yield exactly true contributes an Error.
type JQValidator[R any] struct {
	rules  []compiledRule
	source string
}

// NewJQValidator parses and compiles rules so syntax errors surface at
// construction time.
func NewJQValidator[R any](source string, rules ...Rule) (*JQValidator[R], error) {
	v := &JQValidator[R]{source: source}
	for _, r := range rules {
		parsed, err := gojq.Parse(r.Expr)
		if err != nil {
			return nil, fmt.Errorf("jq rule %q: invalid expression: %w", r.Expr, err)
		}
		code, err := gojq.Compile(parsed)
		if err != nil {
			return nil, fmt.Errorf("jq rule %q: compile: %w", r.Expr, err)
		}
		v.rules = append(v.rules, compiledRule{Rule: r, code: code})
	}
	return v, nil
}

// Validate implements stepflow.Validator.
func (v *JQValidator[R]) Validate(ctx context.Context, request R) []stepflow.Error {
	input, err := normalize(request)
	if err != nil {
		return []stepflow.Error{{Source: v.source, Message: fmt.Sprintf("request is not serialisable: %v", err)}}
	}

	var errs []stepflow.Error
	for _, r := range v.rules {
		ok, err := evaluate(ctx, r.code, input)
		if err != nil {
			errs = append(errs, stepflow.Error{Source: v.source, Property: r.Property, Message: err.Error()})
			continue
		}
		if !ok {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("must satisfy %s", r.Expr)
			}
			errs = append(errs, stepflow.Error{Source: v.source, Property: r.Property, Message: msg})
		}
	}
	return errs
}

func evaluate(ctx context.Context, code *gojq.Code, input any) (bool, error) {
	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("expression error: %w", err)
	}
	b, _ := v.(bool)
	return b, nil
}

// normalize round-trips through JSON so gojq sees only maps, slices and
// scalars.
func normalize(request any) (any, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
