package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteCreateTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_snapshots (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_snapshots_expires ON pipeline_snapshots(expires_at);
`

// sqliteTimeLayout sorts lexically so expires_at can be compared as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a SQLite-backed snapshot store.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	ownsDB bool
	closeState
}

// NewSQLiteStore ensures the snapshot table exists. The caller owns db unless
// the store was created through Open.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteCreateTableSQL); err != nil {
		return nil, fmt.Errorf("create pipeline_snapshots table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM pipeline_snapshots WHERE key = ? AND expires_at > ?`,
		key, s.now().UTC().Format(sqliteTimeLayout),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_snapshots (key, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`,
		key,
		value,
		now.UTC().Format(sqliteTimeLayout),
		expiry(now, ttl).Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_snapshots WHERE expires_at <= ?`,
		s.now().UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.markClosed() || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
