package stepflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

type testRequest struct {
	Name   string `json:"name"`
	Amount int    `json:"amount"`
}

type testContext struct {
	BaseContext[testRequest]
	Trail   []string `json:"trail,omitempty"`
	Counter int      `json:"counter"`
}

func newTestContext() *testContext { return &testContext{} }

func newTestPipeline(name string, opts ...Option) *Pipeline[testRequest, *testContext] {
	return New[testRequest](name, newTestContext, opts...)
}

// mark appends the step name to the trail and proceeds.
func mark(name string) StepFunc[*testContext] {
	return func(_ context.Context, c *testContext) (Outcome, error) {
		c.Trail = append(c.Trail, name)
		return Proceed(), nil
	}
}

// markThen appends the step name and returns out.
func markThen(name string, out Outcome) StepFunc[*testContext] {
	return func(_ context.Context, c *testContext) (Outcome, error) {
		c.Trail = append(c.Trail, name)
		return out, nil
	}
}

func undo(name string) CompensatorFunc[*testContext] {
	return func(_ context.Context, c *testContext) error {
		c.Trail = append(c.Trail, "undo:"+name)
		return nil
	}
}

func equalTrail(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// memStore is a SnapshotStore backed by a map.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	gets    int
	sets    int
	failGet int
	failSet int
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

var errStoreDown = errors.New("store unavailable")

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet > 0 {
		m.failGet--
		return nil, errStoreDown
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.failSet > 0 {
		m.failSet--
		return errStoreDown
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) snapshot(key string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil
	}
	snap, err := DecodeSnapshot(v)
	if err != nil {
		return nil
	}
	return snap
}

type recordedEvent struct {
	executionID string
	eventType   string
	data        map[string]any
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) RecordEvent(_ context.Context, executionID, eventType string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{executionID, eventType, data})
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.eventType)
	}
	return out
}
