package stepflow

import "context"

// BaseContext holds the engine-owned part of a run's context. Embed it by
// value in a domain struct:
//
//	type AccountContext struct {
//		stepflow.BaseContext[AccountRequest]
//		AccountID int `json:"accountId"`
//	}
//
// The embedding struct must be JSON-serialisable when caching is enabled,
// since it is what a Snapshot persists.
type BaseContext[R any] struct {
	ID      string  `json:"id"`
	Request R       `json:"request"`
	Result  *Result `json:"result,omitempty"`
}

func (b *BaseContext[R]) base() *BaseContext[R] { return b }

// CurrentResult returns the terminal Result set so far, or nil.
func (b *BaseContext[R]) CurrentResult() *Result { return b.Result }

// Context is satisfied by any pointer to a struct embedding BaseContext[R].
type Context[R any] interface {
	base() *BaseContext[R]
}

type stepIdentifierKey struct{}

func withStepIdentifier(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIdentifierKey{}, id)
}

// StepIdentifier returns the identifier of the step currently executing, as
// seen from inside that step's Handle or Compensate.
func StepIdentifier(ctx context.Context) string {
	id, _ := ctx.Value(stepIdentifierKey{}).(string)
	return id
}
