package scale

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of batch work.
type Job[T any] struct {
	Index int
	Input T
}

// JobResult holds the outcome of a job.
type JobResult[O any] struct {
	Index    int
	Output   O
	Err      error
	Duration time.Duration
}

// RunBatch runs fn over inputs with at most concurrency jobs in flight and
// returns results in input order. A job error does not stop the batch; only
// ctx cancellation does, in which case unstarted jobs report ctx.Err().
func RunBatch[T, O any](ctx context.Context, inputs []T, concurrency int, fn func(ctx context.Context, job Job[T]) (O, error)) []JobResult[O] {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]JobResult[O], len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, in := range inputs {
		results[i].Index = i
		if err := gctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			start := time.Now()
			out, err := fn(gctx, Job[T]{Index: i, Input: in})
			results[i] = JobResult[O]{Index: i, Output: out, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
