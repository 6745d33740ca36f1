// Package retrieval implements the retrieval service: it turns one user
// query into a ranked, deduplicated set of context snippets drawn from the
// tenant's session-note and client-profile vectors.
//
// "No matching records" is a first-class outcome, not an error: callers
// distinguish [ErrNoContext] (the index simply holds nothing relevant) from
// [ErrFailed] (embedding or search broke) and handle the two differently.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/caremind/caremind-go/internal/rag"
)

// ErrNoContext signals that zero results cleared even the absolute floor
// threshold. The orchestrator proceeds with an empty-context prompt rather
// than failing the request.
var ErrNoContext = errors.New("retrieval: no matching records")

// ErrFailed classifies a genuine retrieval failure (vector search error),
// distinct from an empty result.
var ErrFailed = errors.New("retrieval: search failed")

// Config holds the similarity threshold ladder and result bounds.
// All values are runtime-configurable; zero values select the defaults.
type Config struct {
	// MinSimilarity is the default relevance threshold (default: 0.45).
	MinSimilarity float32

	// FloorSimilarity is the absolute floor used only when the default
	// threshold yields nothing — graceful degradation rather than zero
	// results (default: 0.25).
	FloorSimilarity float32

	// ShortQuerySimilarity replaces MinSimilarity for queries at or below
	// ShortQueryWords words; short queries legitimately score lower even
	// when relevant (default: 0.30).
	ShortQuerySimilarity float32

	// ShortQueryWords is the word-count boundary for short-query handling
	// (default: 6).
	ShortQueryWords int

	// TopN is the number of snippets handed to prompt construction
	// (default: 8).
	TopN int
}

// withDefaults returns a copy of cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.45
	}
	if c.FloorSimilarity == 0 {
		c.FloorSimilarity = 0.25
	}
	if c.ShortQuerySimilarity == 0 {
		c.ShortQuerySimilarity = 0.30
	}
	if c.ShortQueryWords == 0 {
		c.ShortQueryWords = 6
	}
	if c.TopN == 0 {
		c.TopN = 8
	}
	return c
}

// Service converts one user query into ranked, deduplicated context.
type Service struct {
	// embedder converts the query text to a dense vector in query mode.
	embedder rag.Embedder

	// store performs the tenant-scoped vector similarity search.
	store rag.VectorStore

	// cfg holds the resolved threshold configuration.
	cfg Config
}

// NewService constructs a Service from the given Embedder and VectorStore.
func NewService(embedder rag.Embedder, store rag.VectorStore, cfg Config) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("retrieval: store must not be nil")
	}
	return &Service{
		embedder: embedder,
		store:    store,
		cfg:      cfg.withDefaults(),
	}, nil
}

// Retrieve embeds the query and returns the top-N most relevant context
// snippets for the tenant, optionally scoped to a single record.
//
// Algorithm:
//  1. Embed the query (query mode).
//  2. Search session and profile vectors at the effective threshold
//     (reduced for short queries).
//  3. Keep only the single highest-similarity field per source record.
//  4. If empty, retry once at the absolute floor threshold.
//  5. Sort by similarity descending (ties: most recent update first),
//     truncate to TopN.
//
// Returns ErrNoContext when nothing clears even the floor, and an error
// wrapping ErrFailed when the search itself breaks. Embedding errors
// propagate untransformed so callers can detect embedder.ErrUnavailable.
func (s *Service) Retrieve(ctx context.Context, tenantID, query, scopeOwnerID string) ([]rag.ContextItem, error) {
	if tenantID == "" {
		return nil, rag.ErrTenantMismatch
	}

	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}

	threshold := s.cfg.MinSimilarity
	if wordCount(query) <= s.cfg.ShortQueryWords {
		threshold = s.cfg.ShortQuerySimilarity
	}

	items, err := s.search(ctx, tenantID, embedding, scopeOwnerID, threshold)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 && s.cfg.FloorSimilarity < threshold {
		items, err = s.search(ctx, tenantID, embedding, scopeOwnerID, s.cfg.FloorSimilarity)
		if err != nil {
			return nil, err
		}
	}

	if len(items) == 0 {
		return nil, ErrNoContext
	}

	if len(items) > s.cfg.TopN {
		items = items[:s.cfg.TopN]
	}
	return items, nil
}

// search runs one store query at the given threshold and deduplicates the
// result to the best-scoring field per source record.
func (s *Service) search(ctx context.Context, tenantID string, embedding []float32, scopeOwnerID string, threshold float32) ([]rag.ContextItem, error) {
	raw, err := s.store.Search(ctx, embedding, rag.SearchParams{
		TenantID:      tenantID,
		OwnerID:       scopeOwnerID,
		Limit:         rag.MaxSearchLimit,
		MinSimilarity: threshold,
	})
	if err != nil {
		if errors.Is(err, rag.ErrTenantMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	return dedupeBestField(raw), nil
}

// dedupeBestField keeps only the single highest-similarity field per source
// record, so one record with several matching fields cannot saturate the
// result set with near-duplicate content. Order is re-established by
// similarity descending with the stable tie-break (UpdatedAt desc, then
// source id).
func dedupeBestField(items []rag.ContextItem) []rag.ContextItem {
	type key struct {
		sourceType rag.SourceType
		sourceID   string
	}

	best := make(map[key]rag.ContextItem, len(items))
	for _, item := range items {
		k := key{item.SourceType, item.SourceID}
		if prev, ok := best[k]; !ok || item.Similarity > prev.Similarity {
			best[k] = item
		}
	}

	out := make([]rag.ContextItem, 0, len(best))
	for _, item := range best {
		out = append(out, item)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SourceID < out[j].SourceID
	})

	return out
}

// wordCount counts whitespace-separated words in the query.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
