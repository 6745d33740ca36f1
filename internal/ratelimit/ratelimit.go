// Package ratelimit bounds per-tenant query throughput with a sliding
// window counter. The window state lives behind the CounterStore interface
// so deployments can choose an in-process counter or a shared SQLite file,
// and tests can inject a deterministic one.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// CounterStore holds per-key counters bucketed by window. Incr must be
// atomic: concurrent callers for the same (key, bucket) each observe a
// distinct count.
type CounterStore interface {
	// Incr increments the counter for (key, bucket) and returns the new value.
	Incr(ctx context.Context, key string, bucket int64) (int64, error)
	// Get returns the counter for (key, bucket), zero if absent.
	Get(ctx context.Context, key string, bucket int64) (int64, error)
}

// LimitedError reports that a tenant exceeded its window budget.
type LimitedError struct {
	// TenantID is the limited tenant.
	TenantID string
	// RetryAfter is how long until the window has room again.
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: tenant %s over limit, retry after %s", e.TenantID, e.RetryAfter)
}

// Config holds the limiter parameters.
type Config struct {
	// Limit is the maximum number of requests per tenant per window
	// (default: 60).
	Limit int64
	// Window is the sliding window length (default: 1 minute).
	Window time.Duration
}

// Limiter enforces a per-tenant sliding window limit. The window is the
// standard two-bucket approximation: the previous bucket's count is weighted
// by how much of it still overlaps the sliding window.
type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// New constructs a Limiter over the given counter store.
func New(store CounterStore, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: counter store must not be nil")
	}
	if cfg.Limit == 0 {
		cfg.Limit = 60
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		store:  store,
		limit:  cfg.Limit,
		window: cfg.Window,
		now:    time.Now,
	}, nil
}

// Allow records one request for the tenant and reports whether it fits the
// window budget. Returns a *LimitedError when the tenant is over budget; the
// request has still been counted, so a hammering client keeps itself limited.
func (l *Limiter) Allow(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("ratelimit: tenant id must not be empty")
	}

	now := l.now()
	bucket := now.UnixNano() / int64(l.window)
	elapsed := time.Duration(now.UnixNano() % int64(l.window))

	curr, err := l.store.Incr(ctx, tenantID, bucket)
	if err != nil {
		return fmt.Errorf("ratelimit: incr: %w", err)
	}
	prev, err := l.store.Get(ctx, tenantID, bucket-1)
	if err != nil {
		return fmt.Errorf("ratelimit: get previous bucket: %w", err)
	}

	// Weight the previous bucket by its remaining overlap with the window.
	overlap := 1 - float64(elapsed)/float64(l.window)
	weighted := int64(float64(prev)*overlap) + curr
	if weighted <= l.limit {
		return nil
	}

	return &LimitedError{
		TenantID:   tenantID,
		RetryAfter: l.window - elapsed,
	}
}
