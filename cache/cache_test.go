package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/stepflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(cfg Config) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(cfg)
	s.now = clock.Now
	return s, clock
}

func TestStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(Config{MaxEntries: 10, DefaultTTL: time.Minute})

	if err := s.Set(ctx, "k", []byte(`{"success":true}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"success":true}` {
		t.Errorf("unexpected value %s", got)
	}

	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if again[0] != '{' {
		t.Error("Get must return a copy")
	}
}

func TestStoreMiss(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, stepflow.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestStoreTTLExpiration(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(Config{MaxEntries: 10, DefaultTTL: time.Minute})

	_ = s.Set(ctx, "short", []byte("a"), 10*time.Second)
	_ = s.Set(ctx, "default", []byte("b"), 0)

	clock.Advance(30 * time.Second)
	if _, err := s.Get(ctx, "short"); !errors.Is(err, stepflow.ErrSnapshotNotFound) {
		t.Errorf("expected expired entry, got %v", err)
	}
	if _, err := s.Get(ctx, "default"); err != nil {
		t.Errorf("default TTL entry should still be live: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, "default"); !errors.Is(err, stepflow.ErrSnapshotNotFound) {
		t.Errorf("expected expired entry, got %v", err)
	}
}

func TestStoreLRUEviction(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(Config{MaxEntries: 3, DefaultTTL: time.Minute})

	for i := range 3 {
		_ = s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	// touch k0 so k1 becomes least recently used
	_, _ = s.Get(ctx, "k0")
	_ = s.Set(ctx, "k3", []byte("v"), 0)

	if _, err := s.Get(ctx, "k1"); err == nil {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, err := s.Get(ctx, k); err != nil {
			t.Errorf("%s should be present: %v", k, err)
		}
	}
	if st := s.Stats(); st.Evictions != 1 || st.Size != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(DefaultConfig())
	_ = s.Set(ctx, "k", []byte("old"), 0)
	_ = s.Set(ctx, "k", []byte("new"), 0)
	got, _ := s.Get(ctx, "k")
	if string(got) != "new" || s.Len() != 1 {
		t.Errorf("expected overwrite, got %s (len %d)", got, s.Len())
	}
}

func TestStoreDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(Config{MaxEntries: 10, DefaultTTL: time.Minute})
	_ = s.Set(ctx, "a", []byte("1"), time.Second)
	_ = s.Set(ctx, "b", []byte("2"), time.Second)
	_ = s.Set(ctx, "c", []byte("3"), time.Hour)

	_ = s.Delete(ctx, "c")
	clock.Advance(2 * time.Second)
	if n := s.PurgeExpired(); n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(DefaultConfig())
	if st := s.Stats(); st.HitRate != 0 {
		t.Errorf("empty store hit rate should be 0, got %f", st.HitRate)
	}
	_ = s.Set(ctx, "k", []byte("v"), 0)
	_, _ = s.Get(ctx, "k")
	_, _ = s.Get(ctx, "k")
	_, _ = s.Get(ctx, "nope")

	st := s.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.HitRate < 0.66 || st.HitRate > 0.67 {
		t.Errorf("expected hit rate ~0.667, got %f", st.HitRate)
	}
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := newTestStore(DefaultConfig())
	if err := s.Set(ctx, "k", []byte("v"), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStoreJanitor(t *testing.T) {
	s := New(Config{MaxEntries: 10, DefaultTTL: time.Millisecond})
	_ = s.Set(context.Background(), "k", []byte("v"), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if s.Len() != 0 {
		t.Error("janitor should purge expired entries")
	}
}

func TestStoreAsPipelineCache(t *testing.T) {
	type req struct {
		N int `json:"n"`
	}
	type runCtx struct {
		stepflow.BaseContext[req]
	}

	s := New(DefaultConfig())
	calls := 0
	build := func() *stepflow.Pipeline[req, *runCtx] {
		p := stepflow.New[req]("memo", func() *runCtx { return &runCtx{} }, stepflow.WithSnapshotStore(s))
		p.AddNext("Only", stepflow.StepFunc[*runCtx](func(context.Context, *runCtx) (stepflow.Outcome, error) {
			calls++
			return stepflow.Finish("done", 200), nil
		}))
		return p
	}

	for range 2 {
		res, err := build().Execute(context.Background(), req{N: 1}, "")
		if err != nil || !res.Success {
			t.Fatalf("Execute: %v %+v", err, res)
		}
	}
	if calls != 1 {
		t.Errorf("second run should be memoized, step ran %d times", calls)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := New(Config{MaxEntries: 50, DefaultTTL: time.Minute})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k%d", (i*100+j)%75)
				_ = s.Set(ctx, key, []byte("v"), 0)
				_, _ = s.Get(ctx, key)
			}
		}()
	}
	wg.Wait()
	if s.Len() > 50 {
		t.Errorf("store exceeded capacity: %d", s.Len())
	}
}
