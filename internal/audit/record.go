// Package audit persists one append-only record per answered query so every
// access to clinical data is traceable to a tenant and actor. The query text
// itself is never stored — only a SHA-256 fingerprint — so the audit trail
// cannot leak patient details.
//
// The package also provides a sanitised startup audit of operational
// environment variables; secret values are logged as presence/absence only.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Outcome classifies how a query request ended.
type Outcome string

const (
	// OutcomeComplete marks a request that produced a filtered answer.
	OutcomeComplete Outcome = "complete"
	// OutcomeNoContext marks a request answered with the no-matching-records
	// response.
	OutcomeNoContext Outcome = "no_context"
	// OutcomeFailed marks a request that ended in any failure.
	OutcomeFailed Outcome = "failed"
)

// Record is one audit trail entry. Exactly one is written per query request,
// regardless of how the request ended.
type Record struct {
	// TenantID is the tenant the query ran under.
	TenantID string
	// ActorID identifies the authenticated user who asked.
	ActorID string
	// QueryFingerprint is the SHA-256 hex digest of the query text.
	QueryFingerprint string
	// Language is the detected query language ("en" or "he").
	Language string
	// ResultCount is the number of context snippets used for synthesis.
	ResultCount int
	// Outcome classifies how the request ended.
	Outcome Outcome
	// ErrorKind names the failure class for failed requests, empty otherwise.
	ErrorKind string
	// LatencyMS is the end-to-end request duration in milliseconds.
	LatencyMS int64
	// CreatedAt is when the record was written.
	CreatedAt time.Time
}

// Recorder persists audit records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Write appends one record to the trail.
	Write(ctx context.Context, rec Record) error
	// Close releases any resources held by the recorder.
	Close() error
}

// Fingerprint returns the SHA-256 hex digest of the query text.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// SQLiteRecorder is a Recorder backed by a local SQLite database.
type SQLiteRecorder struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a SQLiteRecorder at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteRecorder, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// migrate creates the schema if it does not already exist. The table is
// append-only; nothing in this package updates or deletes rows.
func (r *SQLiteRecorder) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS query_audit (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id     TEXT    NOT NULL,
    actor_id      TEXT    NOT NULL,
    fingerprint   TEXT    NOT NULL,
    language      TEXT    NOT NULL,
    result_count  INTEGER NOT NULL,
    outcome       TEXT    NOT NULL CHECK(outcome IN ('complete','no_context','failed')),
    error_kind    TEXT    NOT NULL DEFAULT '',
    latency_ms    INTEGER NOT NULL,
    created_at    INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_query_audit_tenant_created
    ON query_audit (tenant_id, created_at);
`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Write appends one record to the trail.
func (r *SQLiteRecorder) Write(ctx context.Context, rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const q = `INSERT INTO query_audit
    (tenant_id, actor_id, fingerprint, language, result_count, outcome, error_kind, latency_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q,
		rec.TenantID, rec.ActorID, rec.QueryFingerprint, rec.Language,
		rec.ResultCount, string(rec.Outcome), rec.ErrorKind, rec.LatencyMS, createdAt.Unix(),
	); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// CountByTenant returns the number of records written for a tenant.
func (r *SQLiteRecorder) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	const q = `SELECT COUNT(*) FROM query_audit WHERE tenant_id = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

// RecentByTenant returns the most recent n records for a tenant, newest
// first.
func (r *SQLiteRecorder) RecentByTenant(ctx context.Context, tenantID string, n int) ([]Record, error) {
	const q = `
SELECT tenant_id, actor_id, fingerprint, language, result_count, outcome, error_kind, latency_ms, created_at
FROM   query_audit
WHERE  tenant_id = ?
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := r.db.QueryContext(ctx, q, tenantID, n)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var outcome string
		var ts int64
		if err := rows.Scan(&rec.TenantID, &rec.ActorID, &rec.QueryFingerprint, &rec.Language,
			&rec.ResultCount, &outcome, &rec.ErrorKind, &rec.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("audit: recent scan: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.CreatedAt = time.Unix(ts, 0)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent rows: %w", err)
	}
	return recs, nil
}

// Ping verifies the database is reachable, for readiness checks.
func (r *SQLiteRecorder) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("audit: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (r *SQLiteRecorder) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}
