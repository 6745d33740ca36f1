package ratelimit

import (
	"context"
	"sync"
)

// MemoryCounterStore is an in-process CounterStore for single-instance
// deployments and tests. Buckets older than the previous one are pruned
// lazily on write so the map stays bounded.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]map[int64]int64
}

// NewMemoryCounterStore constructs an empty MemoryCounterStore.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]map[int64]int64)}
}

// Incr increments the counter for (key, bucket) and returns the new value.
func (m *MemoryCounterStore) Incr(_ context.Context, key string, bucket int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := m.counters[key]
	if buckets == nil {
		buckets = make(map[int64]int64, 2)
		m.counters[key] = buckets
	}
	buckets[bucket]++

	// Only the current and previous buckets ever matter.
	for b := range buckets {
		if b < bucket-1 {
			delete(buckets, b)
		}
	}
	return buckets[bucket], nil
}

// Get returns the counter for (key, bucket), zero if absent.
func (m *MemoryCounterStore) Get(_ context.Context, key string, bucket int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key][bucket], nil
}
