// Package cache provides an in-process snapshot store with TTL expiration and
// LRU eviction. It suits single-instance deployments and tests; use a store
// from the store package when runs must resume across processes.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepflow"
)

// Config configures a Store.
type Config struct {
	// MaxEntries is the maximum number of snapshots held.
	MaxEntries int
	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		DefaultTTL: stepflow.DefaultTTL,
	}
}

// Store is a thread-safe stepflow.SnapshotStore kept in memory.
type Store struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	eviction   *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

var _ stepflow.SnapshotStore = (*Store)(nil)

// New creates a Store.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	return &Store{
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
}

// Get returns a copy of the stored snapshot, or stepflow.ErrSnapshotNotFound
// when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, fmt.Errorf("%w: %s", stepflow.ErrSnapshotNotFound, key)
	}
	e := elem.Value.(*entry)
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(elem)
		s.misses++
		return nil, fmt.Errorf("%w: %s", stepflow.ErrSnapshotNotFound, key)
	}
	s.eviction.MoveToFront(elem)
	s.hits++
	return append([]byte(nil), e.value...), nil
}

// Set stores value under key for ttl, evicting the least recently used
// snapshots when full.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	value = append([]byte(nil), value...)
	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		s.eviction.MoveToFront(elem)
		return nil
	}
	for s.eviction.Len() >= s.maxEntries {
		s.evictLocked()
	}
	s.items[key] = s.eviction.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

// Delete removes a snapshot.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.removeLocked(elem)
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eviction.Len()
}

// Stats holds store statistics.
type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// Stats returns hit, miss and eviction counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Size:      s.eviction.Len(),
		MaxSize:   s.maxEntries,
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// PurgeExpired removes expired entries and returns how many were removed.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	var next *list.Element
	for e := s.eviction.Front(); e != nil; e = next {
		next = e.Next()
		if !now.Before(e.Value.(*entry).expiresAt) {
			s.removeLocked(e)
			purged++
		}
	}
	return purged
}

// RunJanitor purges expired entries every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeExpired()
		}
	}
}

func (s *Store) evictLocked() {
	back := s.eviction.Back()
	if back == nil {
		return
	}
	s.removeLocked(back)
	s.evictions++
}

func (s *Store) removeLocked(elem *list.Element) {
	delete(s.items, elem.Value.(*entry).key)
	s.eviction.Remove(elem)
}
