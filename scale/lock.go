// Package scale coordinates pipeline runs across goroutines and processes.
//
// The locks implement stepflow.Claimer so that only one run per request
// fingerprint executes at a time.
package scale

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/stepflow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	_ stepflow.Claimer = (*InMemoryLock)(nil)
	_ stepflow.Claimer = (*RedisLock)(nil)
	_ stepflow.Claimer = (*PGAdvisoryLock)(nil)
)

// --- InMemoryLock ---

// InMemoryLock implements stepflow.Claimer for tests and single-server
// deployments. A held key expires after its TTL even if never released.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

type lockEntry struct {
	token     uint64
	expiresAt time.Time
}

var lockTokens atomic.Uint64

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// TryAcquire takes key if it is free or its previous holder's TTL elapsed.
// A non-positive ttl holds the key until release.
func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && (held.expiresAt.IsZero() || now.Before(held.expiresAt)) {
		return nil, false, nil
	}

	entry := lockEntry{token: lockTokens.Add(1)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	l.locks[key] = entry

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// a holder whose TTL elapsed must not free the next holder's claim
			if cur, ok := l.locks[key]; ok && cur.token == entry.token {
				delete(l.locks, key)
			}
		})
	}
	return release, true, nil
}

// Held reports whether key is currently claimed.
func (l *InMemoryLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	return ok && (held.expiresAt.IsZero() || l.now().Before(held.expiresAt))
}

// --- RedisLock ---

// releaseScript deletes the key only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements stepflow.Claimer using Redis SET NX with a TTL.
type RedisLock struct {
	client redis.UniversalClient
}

// NewRedisLock creates a lock on an existing go-redis client.
func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client}
}

// TryAcquire claims key with SET NX PX. Redis requires a TTL, so a
// non-positive ttl uses stepflow.DefaultClaimTTL.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = stepflow.DefaultClaimTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// on failure the TTL frees the key
			_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
		})
	}
	return release, true, nil
}

// --- PGAdvisoryLock ---

// PGAdvisoryLock implements stepflow.Claimer using PostgreSQL session
// advisory locks. The key string is hashed to int64 for use as the lock ID.
// ttl is not supported; the lock is held until release or until the session
// ends.
type PGAdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewPGAdvisoryLock creates a new PostgreSQL advisory lock implementation.
func NewPGAdvisoryLock(pool *pgxpool.Pool) *PGAdvisoryLock {
	return &PGAdvisoryLock{pool: pool}
}

// TryAcquire attempts pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Release()
		})
	}
	return release, true, nil
}

// hashToInt64 converts a string key to an int64 using FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}
