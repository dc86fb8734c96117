package stepflow

import (
	"context"
	"fmt"
	"time"
)

// Policy wraps the execution of a step or compensator. fn returns the
// Result produced by one attempt (nil when the attempt did not end the run)
// and any engine error.
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error)
}

// BackoffFunc returns the delay before retry number attempt (1-based).
type BackoffFunc func(attempt int, delay time.Duration) time.Duration

// RetryIfFunc decides whether an attempt should be retried.
type RetryIfFunc func(result *Result, err error) bool

// LinearBackoff waits attempt*delay.
func LinearBackoff(attempt int, delay time.Duration) time.Duration {
	return time.Duration(attempt) * delay
}

// ExponentialBackoff waits delay*2^(attempt-1).
func ExponentialBackoff(attempt int, delay time.Duration) time.Duration {
	if attempt < 1 {
		return delay
	}
	return delay << (attempt - 1)
}

// RetryOnFailure retries on engine errors and on failed Results.
func RetryOnFailure(result *Result, err error) bool {
	return err != nil || (result != nil && !result.Success)
}

// RetryOnError retries on engine errors only.
func RetryOnError(_ *Result, err error) bool {
	return err != nil
}

// RetryOnStatus retries failed Results whose status is one of codes, and
// engine errors.
func RetryOnStatus(codes ...int) RetryIfFunc {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(result *Result, err error) bool {
		if err != nil {
			return true
		}
		if result == nil || result.Success {
			return false
		}
		_, ok := set[result.StatusCode]
		return ok
	}
}

// RetryPolicy re-runs an attempt while RetryIf holds, up to MaxRetries
// extra attempts. A ForeignFailureError is never retried.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    BackoffFunc
	RetryIf    RetryIfFunc
}

// Retry returns a RetryPolicy with linear backoff that retries failures.
func Retry(maxRetries int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxRetries: maxRetries, Delay: delay}
}

// Execute runs fn until it succeeds, RetryIf declines, or retries run out.
// The last attempt's Result and error are returned.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	backoff := p.Backoff
	if backoff == nil {
		backoff = LinearBackoff
	}
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = RetryOnFailure
	}
	maxRetries := max(p.MaxRetries, 0)

	var (
		result *Result
		err    error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if d := backoff(attempt, p.Delay); d > 0 {
				select {
				case <-ctx.Done():
					return result, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
				case <-time.After(d):
				}
			}
		}
		result, err = fn(ctx)
		if IsForeignFailure(err) {
			return result, err
		}
		if !retryIf(result, err) {
			return result, err
		}
	}
	return result, err
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error)

// Execute calls f.
func (f PolicyFunc) Execute(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	return f(ctx, fn)
}
