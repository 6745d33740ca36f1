// Package refresh keeps the vector index in sync with record edits without
// blocking the write path. Edits enqueue a refresh job; a background worker
// leases jobs, re-embeds the changed fields, and upserts the vectors.
//
// Delivery is at-least-once: a job is removed only after it is acknowledged,
// and an expired lease returns the job to the queue. The vector upsert is
// idempotent, so duplicate processing converges to the same index state.
package refresh

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/caremind/caremind-go/internal/rag"
)

// JobKind identifies the work a job carries.
type JobKind string

const (
	// KindUpsertFields re-embeds and upserts the given fields of one record.
	KindUpsertFields JobKind = "upsert_fields"
	// KindDeleteOwner removes every vector belonging to one record.
	KindDeleteOwner JobKind = "delete_owner"
)

// Job is one queued refresh task.
type Job struct {
	// ID is the queue-assigned job identifier.
	ID int64
	// TenantID scopes the job to one tenant.
	TenantID string
	// OwnerID is the record whose vectors the job touches.
	OwnerID string
	// SourceType is the record kind (session or profile).
	SourceType rag.SourceType
	// Kind selects upsert or delete.
	Kind JobKind
	// Fields maps field name to its current text, for upsert jobs. Blank
	// text is allowed; the embedder maps it to a zero vector.
	Fields map[string]string
	// UpdatedAt is the record's modification time carried into the vectors.
	UpdatedAt time.Time
	// Attempts counts how many times the job has been leased.
	Attempts int
}

// Queue is the job transport between the edit path and the worker.
// Implementations must deliver each job at least once.
type Queue interface {
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job Job) error
	// Lease claims up to n jobs for leaseFor; claimed jobs are invisible to
	// other workers until acked or the lease expires. Jobs touching the same
	// (tenant, owner) are delivered in enqueue order, and never while an
	// earlier one is still leased.
	Lease(ctx context.Context, n int, leaseFor time.Duration) ([]Job, error)
	// Ack removes a completed job.
	Ack(ctx context.Context, id int64) error
	// Close releases any resources held by the queue.
	Close() error
}

// SQLiteQueue is a Queue backed by a local SQLite database.
type SQLiteQueue struct {
	// db is the underlying database connection pool.
	db *sql.DB

	// now is swappable in tests.
	now func() time.Time
}

// OpenQueue opens (or creates) a SQLiteQueue at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func OpenQueue(path string) (*SQLiteQueue, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("refresh: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db, now: time.Now}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// migrate creates the schema if it does not already exist. lease_until is
// zero for unleased jobs; a leased job whose lease_until has passed is
// eligible for re-delivery.
func (q *SQLiteQueue) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS refresh_jobs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id    TEXT    NOT NULL,
    owner_id     TEXT    NOT NULL,
    source_type  TEXT    NOT NULL,
    kind         TEXT    NOT NULL CHECK(kind IN ('upsert_fields','delete_owner')),
    fields       TEXT    NOT NULL DEFAULT '{}',  -- JSON object: field -> text
    updated_at   INTEGER NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    lease_until  INTEGER NOT NULL DEFAULT 0,
    enqueued_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_jobs_lease ON refresh_jobs (lease_until, id);
`
	if _, err := q.db.Exec(ddl); err != nil {
		return fmt.Errorf("refresh: migrate: %w", err)
	}
	return nil
}

// Enqueue appends a job.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) error {
	if job.TenantID == "" {
		return rag.ErrTenantMismatch
	}
	fields, err := json.Marshal(job.Fields)
	if err != nil {
		return fmt.Errorf("refresh: marshal fields: %w", err)
	}
	const ins = `INSERT INTO refresh_jobs
    (tenant_id, owner_id, source_type, kind, fields, updated_at, enqueued_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.db.ExecContext(ctx, ins,
		job.TenantID, job.OwnerID, string(job.SourceType), string(job.Kind),
		string(fields), job.UpdatedAt.Unix(), q.now().Unix(),
	); err != nil {
		return fmt.Errorf("refresh: enqueue: %w", err)
	}
	return nil
}

// Lease claims up to n jobs whose lease has expired (or was never taken).
// The single-writer connection makes the select-then-update atomic.
//
// A job is held back while an earlier job for the same (tenant, owner) is
// still leased elsewhere: handing it out would let it run ahead of the
// in-flight one and reorder that record's history. Eligible earlier jobs
// for the same owner are no obstacle — they lease in the same batch, ahead
// of it in id order.
func (q *SQLiteQueue) Lease(ctx context.Context, n int, leaseFor time.Duration) ([]Job, error) {
	now := q.now()
	const sel = `
SELECT id, tenant_id, owner_id, source_type, kind, fields, updated_at, attempts
FROM   refresh_jobs j
WHERE  j.lease_until <= ?
  AND  NOT EXISTS (
         SELECT 1 FROM refresh_jobs e
         WHERE  e.tenant_id = j.tenant_id
           AND  e.owner_id  = j.owner_id
           AND  e.id        < j.id
           AND  e.lease_until > ?
       )
ORDER  BY id
LIMIT  ?`

	rows, err := q.db.QueryContext(ctx, sel, now.Unix(), now.Unix(), n)
	if err != nil {
		return nil, fmt.Errorf("refresh: lease select: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		var job Job
		var sourceType, kind, fields string
		var updatedAt int64
		if err := rows.Scan(&job.ID, &job.TenantID, &job.OwnerID, &sourceType, &kind, &fields, &updatedAt, &job.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("refresh: lease scan: %w", err)
		}
		job.SourceType = rag.SourceType(sourceType)
		job.Kind = JobKind(kind)
		job.UpdatedAt = time.Unix(updatedAt, 0)
		if err := json.Unmarshal([]byte(fields), &job.Fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("refresh: unmarshal fields for job %d: %w", job.ID, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("refresh: lease rows: %w", err)
	}
	rows.Close()

	leaseUntil := now.Add(leaseFor).Unix()
	const upd = `UPDATE refresh_jobs SET lease_until = ?, attempts = attempts + 1 WHERE id = ?`
	for i := range jobs {
		if _, err := q.db.ExecContext(ctx, upd, leaseUntil, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("refresh: lease update: %w", err)
		}
		jobs[i].Attempts++
	}
	return jobs, nil
}

// Ack removes a completed job.
func (q *SQLiteQueue) Ack(ctx context.Context, id int64) error {
	const del = `DELETE FROM refresh_jobs WHERE id = ?`
	if _, err := q.db.ExecContext(ctx, del, id); err != nil {
		return fmt.Errorf("refresh: ack: %w", err)
	}
	return nil
}

// Depth returns the number of jobs currently in the queue, leased or not.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("refresh: depth: %w", err)
	}
	return n, nil
}

// Close releases the database connection pool.
func (q *SQLiteQueue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("refresh: close: %w", err)
	}
	return nil
}
