package validation

import (
	"context"

	"github.com/GoCodeAlone/stepflow"
)

// All runs every validator and concatenates their errors.
func All[R any](validators ...stepflow.Validator[R]) stepflow.Validator[R] {
	return stepflow.ValidatorFunc[R](func(ctx context.Context, request R) []stepflow.Error {
		var errs []stepflow.Error
		for _, v := range validators {
			errs = append(errs, v.Validate(ctx, request)...)
		}
		return errs
	})
}
