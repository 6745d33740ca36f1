package rag

import (
	"context"
	"errors"
	"testing"
	"time"
)

// vec builds a normalised-enough test vector from raw components.
func vec(components ...float32) []float32 { return components }

// seed upserts a FieldVector and fails the test on error.
func seed(t *testing.T, s VectorStore, tenant, owner string, st SourceType, field, text string, embedding []float32) {
	t.Helper()
	err := s.Upsert(context.Background(), FieldVector{
		TenantID:   tenant,
		OwnerID:    owner,
		SourceType: st,
		Field:      field,
		Text:       text,
		Embedding:  embedding,
	})
	if err != nil {
		t.Fatalf("upsert %s/%s/%s: %v", tenant, owner, field, err)
	}
}

// TestMemoryStore_TenantIsolation verifies that a search under tenant A never
// returns a vector written under tenant B, even when B's content is
// embedded identically to the query.
func TestMemoryStore_TenantIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	query := vec(1, 0, 0)

	// Both tenants hold vectors identical to the query.
	seed(t, s, "tenant-a", "rec-1", SourceSession, "plan", "stretching plan", query)
	seed(t, s, "tenant-b", "rec-2", SourceSession, "plan", "stretching plan", query)

	items, err := s.Search(context.Background(), query, SearchParams{TenantID: "tenant-a", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	for _, item := range items {
		if item.SourceID == "rec-2" {
			t.Fatalf("tenant-a search surfaced tenant-b record %q", item.SourceID)
		}
	}
	if len(items) != 1 {
		t.Errorf("expected exactly 1 result for tenant-a, got %d", len(items))
	}
}

// TestMemoryStore_SearchRequiresTenant verifies that an unscoped search is
// rejected rather than silently running without a tenant filter.
func TestMemoryStore_SearchRequiresTenant(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.Search(context.Background(), vec(1, 0, 0), SearchParams{Limit: 5}); err != ErrTenantMismatch {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}
	if err := s.Upsert(context.Background(), FieldVector{OwnerID: "r", SourceType: SourceSession, Field: "plan"}); err != ErrTenantMismatch {
		t.Errorf("expected ErrTenantMismatch on tenantless upsert, got %v", err)
	}
}

// TestMemoryStore_IdempotentUpsert verifies that upserting the same
// (owner, field) twice with different embeddings leaves exactly one row
// holding the latest embedding.
func TestMemoryStore_IdempotentUpsert(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	seed(t, s, "t1", "rec-1", SourceSession, "plan", "old", vec(0, 1, 0))
	seed(t, s, "t1", "rec-1", SourceSession, "plan", "new", vec(1, 0, 0))

	items, err := s.Search(ctx, vec(1, 0, 0), SearchParams{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one row after double upsert, got %d", len(items))
	}
	if items[0].Snippet != "new" {
		t.Errorf("expected latest text %q, got %q", "new", items[0].Snippet)
	}
	if items[0].Similarity < 0.99 {
		t.Errorf("expected latest embedding to match query, similarity %f", items[0].Similarity)
	}
}

// TestMemoryStore_CascadeDelete verifies that DeleteByOwner removes every
// field vector of the record and subsequent searches never surface it.
func TestMemoryStore_CascadeDelete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	seed(t, s, "t1", "rec-1", SourceSession, "subjective", "pain 6/10", vec(1, 0, 0))
	seed(t, s, "t1", "rec-1", SourceSession, "plan", "daily stretching", vec(0.9, 0.1, 0))
	seed(t, s, "t1", "rec-2", SourceSession, "plan", "ice and rest", vec(0.8, 0.2, 0))

	if err := s.DeleteByOwner(ctx, "t1", "rec-1"); err != nil {
		t.Fatalf("delete by owner: %v", err)
	}

	items, err := s.Search(ctx, vec(1, 0, 0), SearchParams{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, item := range items {
		if item.SourceID == "rec-1" {
			t.Fatalf("deleted record rec-1 surfaced in search (field %s)", item.Field)
		}
	}
	if len(items) != 1 || items[0].SourceID != "rec-2" {
		t.Errorf("expected only rec-2 to remain, got %+v", items)
	}
}

// TestMemoryStore_ThresholdMonotonicity verifies that lowering MinSimilarity
// never decreases the result count for a fixed query and index state.
func TestMemoryStore_ThresholdMonotonicity(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	query := vec(1, 0, 0)

	seed(t, s, "t1", "rec-1", SourceSession, "plan", "a", vec(1, 0, 0))
	seed(t, s, "t1", "rec-2", SourceSession, "plan", "b", vec(0.7, 0.7, 0))
	seed(t, s, "t1", "rec-3", SourceSession, "plan", "c", vec(0.1, 1, 0))

	thresholds := []float32{0.95, 0.6, 0.3, 0.0}
	prev := -1
	for _, th := range thresholds {
		items, err := s.Search(context.Background(), query, SearchParams{TenantID: "t1", Limit: 10, MinSimilarity: th})
		if err != nil {
			t.Fatalf("search at %f: %v", th, err)
		}
		if prev >= 0 && len(items) < prev {
			t.Errorf("lowering threshold to %f decreased results: %d -> %d", th, prev, len(items))
		}
		prev = len(items)
	}
}

// TestMemoryStore_LimitCap verifies the server-side cap on the search limit.
func TestMemoryStore_LimitCap(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	fields := []string{"subjective", "objective", "assessment", "plan"}
	for i := 0; i < 50; i++ {
		for _, f := range fields {
			seed(t, s, "t1", "rec-"+string(rune('a'+i%26))+string(rune('0'+i/26)), SourceSession, f, "x", vec(1, float32(i)*0.001, 0))
		}
	}

	items, err := s.Search(context.Background(), vec(1, 0, 0), SearchParams{TenantID: "t1", Limit: 100000})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) > MaxSearchLimit {
		t.Errorf("expected at most %d results, got %d", MaxSearchLimit, len(items))
	}
}

// TestMemoryStore_TieBreakByUpdatedAt verifies that results with identical
// similarity are ordered most-recently-updated first.
func TestMemoryStore_TieBreakByUpdatedAt(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	same := vec(1, 0, 0)
	for i, owner := range []string{"rec-old", "rec-new"} {
		err := s.Upsert(ctx, FieldVector{
			TenantID:   "t1",
			OwnerID:    owner,
			SourceType: SourceSession,
			Field:      "plan",
			Text:       owner,
			Embedding:  same,
			UpdatedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", owner, err)
		}
	}

	items, err := s.Search(ctx, same, SearchParams{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 results, got %d", len(items))
	}
	if items[0].SourceID != "rec-new" {
		t.Errorf("expected most recently updated record first, got %q", items[0].SourceID)
	}
}

// TestMemoryStore_RejectsUnknownField verifies the field allow-list.
func TestMemoryStore_RejectsUnknownField(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	err := s.Upsert(context.Background(), FieldVector{
		TenantID:   "t1",
		OwnerID:    "rec-1",
		SourceType: SourceSession,
		Field:      "billing_total",
		Embedding:  vec(1, 0, 0),
	})
	if err == nil {
		t.Fatal("expected error for field outside the allow-list")
	}
}

// TestMemoryStore_UpsertBatch verifies batched writes land and validate
// exactly like single upserts.
func TestMemoryStore_UpsertBatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	err := s.UpsertBatch(ctx, []FieldVector{
		{TenantID: "t1", OwnerID: "rec-1", SourceType: SourceSession, Field: "plan", Embedding: vec(1, 0, 0)},
		{TenantID: "t1", OwnerID: "rec-1", SourceType: SourceSession, Field: "objective", Embedding: vec(0, 1, 0)},
	})
	if err != nil {
		t.Fatalf("upsert batch: %v", err)
	}

	items, err := s.Search(ctx, vec(1, 0, 0), SearchParams{TenantID: "t1", Limit: 10, MinSimilarity: -1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected both batch entries searchable, got %d", len(items))
	}

	err = s.UpsertBatch(ctx, []FieldVector{
		{TenantID: "", OwnerID: "rec-2", SourceType: SourceSession, Field: "plan", Embedding: vec(1, 0, 0)},
	})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch for batch entry without tenant, got %v", err)
	}
}

// TestCosineSimilarity covers the zero-vector and orthogonal cases.
func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", vec(1, 0, 0), vec(1, 0, 0), 1},
		{"orthogonal", vec(1, 0, 0), vec(0, 1, 0), 0},
		{"zero vector", vec(0, 0, 0), vec(1, 0, 0), 0},
		{"length mismatch", vec(1, 0), vec(1, 0, 0), 0},
	}

	for _, tc := range cases {
		got := CosineSimilarity(tc.a, tc.b)
		if got < tc.want-0.001 || got > tc.want+0.001 {
			t.Errorf("%s: expected %f, got %f", tc.name, tc.want, got)
		}
	}
}
