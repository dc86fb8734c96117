package stepflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline assembly. They are always delivered wrapped in
// a *ConfigError.
var (
	ErrAlreadyFinalized  = errors.New("pipeline already finalized")
	ErrAlreadyExecuted   = errors.New("pipeline already executed")
	ErrNoStep            = errors.New("no step to attach to")
	ErrNilStep           = errors.New("step is nil")
	ErrUnknownStepType   = errors.New("unknown step type")
	ErrNoResolver        = errors.New("no step resolver configured")
	ErrNoSnapshotStore   = errors.New("caching requested without a snapshot store")
	ErrInvalidCondition  = errors.New("invalid condition")
	ErrUnknownResumeStep = errors.New("unknown start step")
	ErrDuplicateStep     = errors.New("duplicate step name")
)

// Runtime errors. These never escape Execute; they end up as the message of
// an internal-error Result.
var (
	ErrMaxStepsExceeded = errors.New("maximum step count exceeded")
	ErrUnknownGotoStep  = errors.New("goto targets unknown step")
)

// ConfigError reports a programming error in pipeline assembly. It is the
// only error Execute returns to its caller.
type ConfigError struct {
	Pipeline string
	Op       string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline %q: %s: %v", e.Pipeline, e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ForeignFailureError is raised inside a policy-wrapped step when the
// context already holds a failed Result produced by a different step. It
// unwinds the retry loop; the engine keeps the original Result.
type ForeignFailureError struct {
	StepIdentifier string
	Result         *Result
}

func (e *ForeignFailureError) Error() string {
	owner := ""
	if e.Result != nil {
		owner = e.Result.StepIdentifier
	}
	return fmt.Sprintf("step %q: context holds a failure produced by %q", e.StepIdentifier, owner)
}

// IsForeignFailure reports whether err carries a ForeignFailureError.
func IsForeignFailure(err error) bool {
	var ff *ForeignFailureError
	return errors.As(err, &ff)
}
