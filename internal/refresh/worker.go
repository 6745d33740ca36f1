package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caremind/caremind-go/internal/rag"
)

// WorkerConfig holds the worker loop parameters.
type WorkerConfig struct {
	// PollInterval is how long the worker sleeps when the queue is empty
	// (default: 2s).
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs leased per poll (default: 16).
	BatchSize int

	// LeaseFor is how long a leased job stays invisible before it becomes
	// eligible for re-delivery (default: 1 minute). Must comfortably exceed
	// the slowest expected embed+upsert round trip.
	LeaseFor time.Duration
}

// withDefaults returns a copy of cfg with zero values replaced.
func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 16
	}
	if c.LeaseFor == 0 {
		c.LeaseFor = time.Minute
	}
	return c
}

// Worker drains the refresh queue: each leased job is embedded and upserted
// (or its owner's vectors deleted), then acked. A job that fails is simply
// not acked; its lease expires and it is re-delivered.
type Worker struct {
	// queue supplies jobs.
	queue Queue

	// embedder converts field text into document-mode vectors.
	embedder rag.Embedder

	// store receives the refreshed vectors.
	store rag.VectorStore

	// log receives per-job outcomes.
	log *slog.Logger

	// cfg holds the resolved loop parameters.
	cfg WorkerConfig
}

// NewWorker constructs a Worker from its dependencies.
func NewWorker(queue Queue, embedder rag.Embedder, store rag.VectorStore, log *slog.Logger, cfg WorkerConfig) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("refresh: queue must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("refresh: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("refresh: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:    queue,
		embedder: embedder,
		store:    store,
		log:      log,
		cfg:      cfg.withDefaults(),
	}, nil
}

// Run polls the queue until ctx is cancelled. Jobs within a batch are
// processed concurrently across owners; the batch is bounded by BatchSize
// so one poll cannot fan out unbounded goroutines.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("refresh: poll failed", "error", err)
		} else if n > 0 {
			// Drain without sleeping while the queue has work.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce leases and processes one batch, returning the number of jobs
// processed successfully. Failed jobs stay leased until expiry.
//
// Jobs for the same (tenant, owner) run sequentially in enqueue order —
// a delete must never overtake an earlier upsert for the same record, or
// a deleted record's vectors could survive in the index. Different owners
// run concurrently. When a job fails, the rest of its owner's group is
// left leased untouched, so the whole tail re-delivers in order after
// the lease expires.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Lease(ctx, w.cfg.BatchSize, w.cfg.LeaseFor)
	if err != nil {
		return 0, fmt.Errorf("refresh: lease: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	// Lease returns jobs in id order, so appending preserves enqueue
	// order within each group.
	groups := make(map[string][]Job)
	keys := make([]string, 0, len(jobs))
	for _, job := range jobs {
		key := job.TenantID + "\x00" + job.OwnerID
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], job)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for _, key := range keys {
		wg.Add(1)
		go func(group []Job) {
			defer wg.Done()
			for _, job := range group {
				if err := w.process(ctx, job); err != nil {
					w.log.Warn("refresh: job failed, will retry after lease expiry",
						"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
					return
				}
				if err := w.queue.Ack(ctx, job.ID); err != nil {
					// The job re-runs after lease expiry; the idempotent
					// upsert makes the duplicate harmless.
					w.log.Warn("refresh: ack failed", "job_id", job.ID, "error", err)
					return
				}
				mu.Lock()
				done++
				mu.Unlock()
			}
		}(groups[key])
	}
	wg.Wait()
	return done, nil
}

// process executes one job against the embedder and store.
func (w *Worker) process(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindDeleteOwner:
		// Deleting vectors for an already-deleted record is a no-op by
		// contract, so duplicate delivery is safe.
		if err := w.store.DeleteByOwner(ctx, job.TenantID, job.OwnerID); err != nil {
			return fmt.Errorf("delete owner %s: %w", job.OwnerID, err)
		}
		return nil

	case KindUpsertFields:
		return w.upsertFields(ctx, job)

	default:
		// Acking an unknown kind would hide bugs; fail so the job keeps
		// surfacing in logs until the queue is repaired.
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// upsertFields embeds every field in the job as one batch and upserts the
// resulting vectors. Field order is fixed by sorting so embeddings line up
// with their names deterministically.
func (w *Worker) upsertFields(ctx context.Context, job Job) error {
	if len(job.Fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(job.Fields))
	for name := range job.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	texts := make([]string, len(names))
	for i, name := range names {
		texts[i] = job.Fields[name]
	}

	embeddings, err := w.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed fields for owner %s: %w", job.OwnerID, err)
	}
	if len(embeddings) != len(names) {
		return fmt.Errorf("embedder returned %d vectors for %d fields", len(embeddings), len(names))
	}

	vecs := make([]rag.FieldVector, len(names))
	for i, name := range names {
		vecs[i] = rag.FieldVector{
			TenantID:   job.TenantID,
			OwnerID:    job.OwnerID,
			SourceType: job.SourceType,
			Field:      name,
			Text:       texts[i],
			Embedding:  embeddings[i],
			UpdatedAt:  job.UpdatedAt,
		}
	}
	if err := w.store.UpsertBatch(ctx, vecs); err != nil {
		return fmt.Errorf("upsert %d vectors for owner %s: %w", len(vecs), job.OwnerID, err)
	}
	return nil
}
