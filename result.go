package stepflow

import (
	"net/http"
	"strings"
)

// StatusClientClosed is the status of a run whose context was canceled by
// the caller.
const StatusClientClosed = 499

// Error is a single user-facing error carried by a Result.
type Error struct {
	Source   string `json:"source,omitempty"`
	Message  string `json:"message,omitempty"`
	Property string `json:"property,omitempty"`
}

// NewError returns an Error with only a message.
func NewError(message string) Error {
	return Error{Message: message}
}

// PropertyError returns an Error bound to a request property.
func PropertyError(property, message string) Error {
	return Error{Property: property, Message: message}
}

// Result is the terminal outcome of a pipeline run.
type Result struct {
	Success        bool    `json:"success"`
	StatusCode     int     `json:"statusCode"`
	Payload        any     `json:"payload,omitempty"`
	Errors         []Error `json:"errors,omitempty"`
	StepIdentifier string  `json:"stepIdentifier,omitempty"`
}

// IsSuccess is nil-safe.
func (r *Result) IsSuccess() bool {
	return r != nil && r.Success
}

// ErrorMessage joins the messages of all errors on the Result.
func (r *Result) ErrorMessage() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// InternalError converts an engine fault into a 500 Result.
func InternalError(stepIdentifier string, err error) *Result {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		StatusCode:     http.StatusInternalServerError,
		Errors:         []Error{{Source: stepIdentifier, Message: msg}},
		StepIdentifier: stepIdentifier,
	}
}

// NoResult is returned when the queue drains without any step setting a
// terminal Result.
func NoResult() *Result {
	return &Result{
		Payload: map[string]any{"message": "No result."},
	}
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code <= 299
}
