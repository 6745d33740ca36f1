package rag

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements VectorStore with an in-process map and brute-force
// cosine search. It backs the "memory" vector_store config option for local
// development and hermetic tests; production deployments use QdrantStore.
//
// Writes replace whole entries under a write lock, so a concurrent search
// observes either the previous vector or the new one — never a torn read.
type MemoryStore struct {
	// mu protects tenants.
	mu sync.RWMutex

	// tenants maps tenant ID to that tenant's vectors keyed by
	// owner + "\x00" + field. Tenants never share a map, so a search can
	// only ever iterate its own tenant's rows.
	tenants map[string]map[string]FieldVector
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]map[string]FieldVector)}
}

// Upsert stores or replaces the vector for one (tenant, owner, field) identity.
func (m *MemoryStore) Upsert(_ context.Context, vec FieldVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(vec)
}

// UpsertBatch upserts a batch of vectors under a single lock acquisition.
func (m *MemoryStore) UpsertBatch(_ context.Context, vecs []FieldVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vec := range vecs {
		if err := m.putLocked(vec); err != nil {
			return err
		}
	}
	return nil
}

// putLocked validates and stores one vector. The caller holds mu.
func (m *MemoryStore) putLocked(vec FieldVector) error {
	if vec.TenantID == "" {
		return ErrTenantMismatch
	}
	if !ValidField(vec.SourceType, vec.Field) {
		return &invalidFieldError{sourceType: vec.SourceType, field: vec.Field}
	}

	if vec.UpdatedAt.IsZero() {
		vec.UpdatedAt = time.Now().UTC()
	}

	rows, ok := m.tenants[vec.TenantID]
	if !ok {
		rows = make(map[string]FieldVector)
		m.tenants[vec.TenantID] = rows
	}
	rows[vec.OwnerID+"\x00"+vec.Field] = vec
	return nil
}

// DeleteByOwner removes all field vectors belonging to the record.
func (m *MemoryStore) DeleteByOwner(_ context.Context, tenantID, ownerID string) error {
	if tenantID == "" {
		return ErrTenantMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tenants[tenantID]
	if !ok {
		return nil
	}
	for key, vec := range rows {
		if vec.OwnerID == ownerID {
			delete(rows, key)
		}
	}
	return nil
}

// Search scans the tenant's vectors and returns the nearest neighbours by
// cosine similarity, ordered descending. Ties are broken by most recent
// UpdatedAt, then by SourceID, so truncation at the limit is stable.
func (m *MemoryStore) Search(_ context.Context, queryEmbedding []float32, params SearchParams) ([]ContextItem, error) {
	if params.TenantID == "" {
		return nil, ErrTenantMismatch
	}

	limit := params.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	var wantType map[SourceType]bool
	if len(params.SourceTypes) > 0 {
		wantType = make(map[SourceType]bool, len(params.SourceTypes))
		for _, t := range params.SourceTypes {
			wantType[t] = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.tenants[params.TenantID]

	items := make([]ContextItem, 0, len(rows))
	for _, vec := range rows {
		if params.OwnerID != "" && vec.OwnerID != params.OwnerID {
			continue
		}
		if wantType != nil && !wantType[vec.SourceType] {
			continue
		}
		if len(vec.Embedding) != len(queryEmbedding) {
			continue
		}

		score := CosineSimilarity(queryEmbedding, vec.Embedding)
		if score < params.MinSimilarity {
			continue
		}

		items = append(items, ContextItem{
			SourceType: vec.SourceType,
			SourceID:   vec.OwnerID,
			Field:      vec.Field,
			Snippet:    vec.Text,
			Similarity: score,
			UpdatedAt:  vec.UpdatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Similarity != items[j].Similarity {
			return items[i].Similarity > items[j].Similarity
		}
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].SourceID < items[j].SourceID
	})

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Close is a no-op for the in-process store.
func (m *MemoryStore) Close() error { return nil }

// CosineSimilarity returns the cosine of the angle between a and b.
// A zero vector on either side yields 0 — it never ranks highly but
// participates in similarity math predictably.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// invalidFieldError reports an upsert against a field outside the allow-list.
type invalidFieldError struct {
	sourceType SourceType
	field      string
}

func (e *invalidFieldError) Error() string {
	return "rag: field " + e.field + " is not embeddable for source type " + string(e.sourceType)
}
