package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SQLiteCounterStore is a CounterStore backed by SQLite, letting several
// service processes on one host share a window. The upsert is atomic at the
// database level, so counts stay exact under concurrent writers.
type SQLiteCounterStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// OpenSQLiteCounterStore opens (or creates) the counter database at path.
// Use ":memory:" for an in-memory database in tests.
func OpenSQLiteCounterStore(path string) (*SQLiteCounterStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteCounterStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteCounterStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rate_counters (
    key     TEXT    NOT NULL,
    bucket  INTEGER NOT NULL,
    count   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (key, bucket)
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("ratelimit: migrate: %w", err)
	}
	return nil
}

// Incr increments the counter for (key, bucket) and returns the new value.
// Stale buckets for the key are dropped in the same call to keep the table
// from growing unbounded.
func (s *SQLiteCounterStore) Incr(ctx context.Context, key string, bucket int64) (int64, error) {
	const upsert = `
INSERT INTO rate_counters (key, bucket, count) VALUES (?, ?, 1)
ON CONFLICT (key, bucket) DO UPDATE SET count = count + 1
RETURNING count`

	var count int64
	if err := s.db.QueryRowContext(ctx, upsert, key, bucket).Scan(&count); err != nil {
		return 0, fmt.Errorf("ratelimit: incr: %w", err)
	}

	const prune = `DELETE FROM rate_counters WHERE key = ? AND bucket < ?`
	if _, err := s.db.ExecContext(ctx, prune, key, bucket-1); err != nil {
		return 0, fmt.Errorf("ratelimit: prune: %w", err)
	}
	return count, nil
}

// Get returns the counter for (key, bucket), zero if absent.
func (s *SQLiteCounterStore) Get(ctx context.Context, key string, bucket int64) (int64, error) {
	const q = `SELECT count FROM rate_counters WHERE key = ? AND bucket = ?`
	var count int64
	err := s.db.QueryRowContext(ctx, q, key, bucket).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: get: %w", err)
	}
	return count, nil
}

// Close releases the database connection pool.
func (s *SQLiteCounterStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("ratelimit: close: %w", err)
	}
	return nil
}
