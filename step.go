package stepflow

import (
	"context"
	"net/http"
)

// Step is a forward unit of work. Handle closes with exactly one Outcome;
// a non-nil error is an engine fault and becomes an internal-error Result.
type Step[C any] interface {
	Handle(ctx context.Context, c C) (Outcome, error)
}

// StepFunc adapts a plain function to Step.
type StepFunc[C any] func(ctx context.Context, c C) (Outcome, error)

// Handle calls f.
func (f StepFunc[C]) Handle(ctx context.Context, c C) (Outcome, error) { return f(ctx, c) }

// Compensator undoes the side effects of previously completed forward steps.
type Compensator[C any] interface {
	Compensate(ctx context.Context, c C) error
}

// CompensatorFunc adapts a plain function to Compensator.
type CompensatorFunc[C any] func(ctx context.Context, c C) error

// Compensate calls f.
func (f CompensatorFunc[C]) Compensate(ctx context.Context, c C) error { return f(ctx, c) }

// Condition gates a step. A panic inside a Condition is an engine fault.
type Condition[C any] func(c C) bool

// RecoveryFunc runs every time its step is dequeued, including when the step
// is skipped while fast-forwarding to a resume point. Use it to rebuild state
// that does not survive a snapshot.
type RecoveryFunc[C any] func(ctx context.Context, c C) error

// Kind tags an Outcome.
type Kind int

const (
	KindProceed Kind = iota
	KindAbort
	KindFinish
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindProceed:
		return "proceed"
	case KindAbort:
		return "abort"
	case KindFinish:
		return "finish"
	case KindRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Default status codes used when a primitive receives a non-positive status.
const (
	DefaultSuccessStatus = http.StatusOK
	DefaultFailureStatus = http.StatusBadRequest
)

// Outcome is the closing action of a step's Handle.
type Outcome struct {
	kind   Kind
	target string
	result *Result
}

// Kind reports which primitive produced the Outcome.
func (o Outcome) Kind() Kind { return o.kind }

// Target is the step identifier a Goto continues from.
func (o Outcome) Target() string { return o.target }

// Result is nil for Proceed and Goto.
func (o Outcome) Result() *Result { return o.result }

// stamped returns a copy whose Result names the producing step.
func (o Outcome) stamped(stepIdentifier string) Outcome {
	if o.result == nil {
		return o
	}
	r := *o.result
	r.StepIdentifier = stepIdentifier
	o.result = &r
	return o
}

// Proceed continues with the next queued step.
func Proceed() Outcome { return Outcome{kind: KindProceed} }

// Goto continues from the step with the given identifier.
func Goto(stepIdentifier string) Outcome {
	return Outcome{kind: KindProceed, target: stepIdentifier}
}

// Abort ends the run as failed.
func Abort(status int, errs ...Error) Outcome {
	if status <= 0 {
		status = DefaultFailureStatus
	}
	return Outcome{kind: KindAbort, result: &Result{
		StatusCode: status,
		Errors:     append([]Error(nil), errs...),
	}}
}

// AbortMessage is Abort with a single message.
func AbortMessage(message string, status int) Outcome {
	return Abort(status, NewError(message))
}

// Finish ends the run as succeeded.
func Finish(payload any, status int) Outcome {
	if status <= 0 {
		status = DefaultSuccessStatus
	}
	return Outcome{kind: KindFinish, result: &Result{
		Success:    true,
		StatusCode: status,
		Payload:    payload,
	}}
}

// Rollback ends the run and compensates previously executed steps before
// the finally step. The Result is successful iff status is 2xx.
func Rollback(payload any, status int) Outcome {
	if status <= 0 {
		status = DefaultSuccessStatus
	}
	return Outcome{kind: KindRollback, result: &Result{
		Success:    isSuccessStatus(status),
		StatusCode: status,
		Payload:    payload,
	}}
}

// RollbackFailure is Rollback with a failed Result carrying errs.
func RollbackFailure(status int, errs ...Error) Outcome {
	if status <= 0 {
		status = DefaultFailureStatus
	}
	return Outcome{kind: KindRollback, result: &Result{
		StatusCode: status,
		Errors:     append([]Error(nil), errs...),
	}}
}
