package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotNotFound is returned by a SnapshotStore when the key is absent
// or expired.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore is the transport that persists serialized snapshots.
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Snapshot is the persisted state of a finished run. Failed runs are stored
// without the context's Result so a resumed run starts clean.
type Snapshot struct {
	CreatedAt                  time.Time       `json:"createdAt"`
	Success                    bool            `json:"success"`
	LastExecutedStepIdentifier string          `json:"lastExecutedStepIdentifier"`
	Context                    json.RawMessage `json:"context"`
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotKey builds the store key for a fingerprint.
func SnapshotKey(prefix, fingerprint string) string {
	if prefix == "" {
		return fingerprint
	}
	return prefix + ":pipeline:" + fingerprint
}

const (
	storeRetries    = 3
	storeRetryDelay = 10 * time.Millisecond
)

// snapshotCache wraps a SnapshotStore with key derivation, encoding and a
// fixed retry policy.
type snapshotCache struct {
	store  SnapshotStore
	prefix string
	ttl    time.Duration
	retry  Policy
}

func newSnapshotCache(store SnapshotStore, prefix string, ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		store:  store,
		prefix: prefix,
		ttl:    ttl,
		retry: &RetryPolicy{
			MaxRetries: storeRetries,
			Delay:      storeRetryDelay,
			RetryIf: func(_ *Result, err error) bool {
				return err != nil && !errors.Is(err, ErrSnapshotNotFound)
			},
		},
	}
}

// load returns nil without error when no snapshot exists.
func (s *snapshotCache) load(ctx context.Context, fingerprint string) (*Snapshot, error) {
	key := SnapshotKey(s.prefix, fingerprint)
	var data []byte
	_, err := s.retry.Execute(ctx, func(ctx context.Context) (*Result, error) {
		var err error
		data, err = s.store.Get(ctx, key)
		return nil, err
	})
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %q: %w", key, err)
	}
	return DecodeSnapshot(data)
}

func (s *snapshotCache) save(ctx context.Context, fingerprint string, snap *Snapshot) error {
	key := SnapshotKey(s.prefix, fingerprint)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.retry.Execute(ctx, func(ctx context.Context) (*Result, error) {
		return nil, s.store.Set(ctx, key, data, s.ttl)
	})
	if err != nil {
		return fmt.Errorf("set snapshot %q: %w", key, err)
	}
	return nil
}

// encodeContext serialises c for a snapshot. The Result is left out of
// failed snapshots and restored on c afterwards.
func encodeContext[R any](c Context[R], success bool) (json.RawMessage, error) {
	b := c.base()
	if !success {
		saved := b.Result
		b.Result = nil
		defer func() { b.Result = saved }()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return data, nil
}
