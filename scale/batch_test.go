package scale

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBatchOrderAndErrors(t *testing.T) {
	inputs := []int{1, 2, 3, 4, 5, 6}
	results := RunBatch(context.Background(), inputs, 3, func(_ context.Context, job Job[int]) (int, error) {
		if job.Input == 4 {
			return 0, errors.New("four")
		}
		return job.Input * 10, nil
	})

	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
		if inputs[i] == 4 {
			if r.Err == nil {
				t.Error("expected job error to be reported")
			}
			continue
		}
		if r.Err != nil || r.Output != inputs[i]*10 {
			t.Errorf("job %d: output=%d err=%v", i, r.Output, r.Err)
		}
	}
}

func TestRunBatchConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	inputs := make([]int, 20)
	RunBatch(context.Background(), inputs, 4, func(context.Context, Job[int]) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	})
	if peak.Load() > 4 {
		t.Errorf("concurrency limit exceeded: peak %d", peak.Load())
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int64
	results := RunBatch(ctx, []string{"a", "b"}, 0, func(context.Context, Job[string]) (string, error) {
		calls.Add(1)
		return "", nil
	})
	if calls.Load() != 0 {
		t.Errorf("no job should run after cancellation, ran %d", calls.Load())
	}
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", r.Err)
		}
	}
}
