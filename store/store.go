// Package store provides durable snapshot stores for stepflow pipelines.
//
// Every store implements stepflow.SnapshotStore and treats values as opaque
// bytes. Expiry is enforced on read; Cleanup removes expired rows for
// backends that do not expire keys themselves.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/stepflow"
	"github.com/GoCodeAlone/stepflow/cache"
	"github.com/GoCodeAlone/stepflow/config"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// Store is a snapshot store with lifecycle operations.
type Store interface {
	stepflow.SnapshotStore
	Delete(ctx context.Context, key string) error
	// Cleanup removes expired snapshots and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)
	Close() error
}

// Open constructs the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(cache.Config{MaxEntries: cfg.Memory.MaxEntries}), nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err)
		}
		return NewRedisStore(client), nil
	case config.DriverSQLite:
		path := cfg.SQLite.Path
		if path == "" {
			path = ":memory:"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY and
		// keeps :memory: a single database
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.ownsDB = true
		return s, nil
	case config.DriverPostgres:
		return NewPGStore(ctx, PGConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// closeState makes Close idempotent and turns every later call into
// ErrClosed.
type closeState struct {
	closed atomic.Bool
}

func (c *closeState) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// markClosed reports whether this call closed the store.
func (c *closeState) markClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}

// MemoryStore adapts cache.Store to the Store interface.
type MemoryStore struct {
	*cache.Store
	closeState
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(cfg cache.Config) *MemoryStore {
	return &MemoryStore{Store: cache.New(cfg)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.Store.Get(ctx, key)
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.Store.Set(ctx, key, value, ttl)
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.Store.Delete(ctx, key)
}

// Cleanup purges expired entries.
func (m *MemoryStore) Cleanup(context.Context) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return int64(m.PurgeExpired()), nil
}

// Close releases nothing; it only marks the store closed.
func (m *MemoryStore) Close() error {
	m.markClosed()
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = stepflow.DefaultTTL
	}
	return now.Add(ttl).UTC()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PGStore)(nil)
)
