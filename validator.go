package stepflow

import "context"

// Validator checks a request before the pipeline does any work. An empty
// slice means the request is valid.
type Validator[R any] interface {
	Validate(ctx context.Context, request R) []Error
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc[R any] func(ctx context.Context, request R) []Error

// Validate calls f.
func (f ValidatorFunc[R]) Validate(ctx context.Context, request R) []Error { return f(ctx, request) }
