// Package rag defines the core retrieval types and interfaces for the
// CareMind clinical RAG pipeline: tenant-scoped vector storage, nearest
// neighbour search, and text embedding. Concrete implementations (Qdrant,
// in-process memory) satisfy these interfaces so the orchestration layer
// never depends on a specific backend.
//
// Every read and write is scoped to exactly one tenant (workspace). A call
// that omits the tenant is a caller bug and fails with [ErrTenantMismatch] —
// there is no unscoped mode.
package rag

import (
	"context"
	"errors"
	"time"
)

// ErrTenantMismatch is returned when an operation is attempted without a
// tenant scope. This is fatal by design: the store must never fall back to
// an unfiltered query, even transiently.
var ErrTenantMismatch = errors.New("rag: operation missing tenant scope")

// SourceType identifies which kind of clinical record a field vector was
// derived from.
type SourceType string

const (
	// SourceSession is a treatment session note (SOAP fields).
	SourceSession SourceType = "session"
	// SourceProfile is a client profile record.
	SourceProfile SourceType = "profile"
)

// sessionFields is the allow-list of embeddable session note fields.
var sessionFields = map[string]bool{
	"subjective": true,
	"objective":  true,
	"assessment": true,
	"plan":       true,
}

// profileFields is the allow-list of embeddable client profile fields.
var profileFields = map[string]bool{
	"medical_history": true,
	"medications":     true,
	"goals":           true,
	"notes":           true,
}

// ValidField reports whether field is on the allow-list for the given
// source type. Unknown source types are never valid.
func ValidField(sourceType SourceType, field string) bool {
	switch sourceType {
	case SourceSession:
		return sessionFields[field]
	case SourceProfile:
		return profileFields[field]
	default:
		return false
	}
}

// FieldVector is one embedded text field of one clinical record. The logical
// identity is (TenantID, OwnerID, Field): upserting the same identity twice
// overwrites the previous row. Embeddings are a lossy one-way derivation of
// the plaintext and are never the source of truth.
type FieldVector struct {
	// TenantID is the owning workspace. Required on every write.
	TenantID string

	// OwnerID is the session or profile record the vector was derived from.
	OwnerID string

	// SourceType identifies the record kind (session or profile).
	SourceType SourceType

	// Field is the record field name, validated against the allow-list.
	Field string

	// Text is the plaintext snippet the embedding was derived from. It is
	// stored alongside the vector so search results can carry the snippet
	// without a round trip to the CRUD application.
	Text string

	// Embedding is the fixed-dimension dense vector for Text.
	Embedding []float32

	// UpdatedAt is when the vector was last (re)computed.
	UpdatedAt time.Time
}

// ContextItem is one retrieved context snippet. It is ephemeral and
// in-memory only — assembled per request and discarded after the response
// is produced.
type ContextItem struct {
	// SourceType identifies the record kind the snippet came from.
	SourceType SourceType

	// SourceID is the owning record ID, used for citations.
	SourceID string

	// Field is the record field the snippet was embedded from.
	Field string

	// Snippet is the plaintext content of the matched field.
	Snippet string

	// Similarity is the cosine similarity against the query (0.0–1.0).
	Similarity float32

	// UpdatedAt is the vector's last refresh time, used as the stable
	// secondary sort key when similarities tie.
	UpdatedAt time.Time
}

// SearchParams scopes and bounds a nearest-neighbour search.
type SearchParams struct {
	// TenantID is the mandatory workspace scope. Search fails with
	// ErrTenantMismatch if empty.
	TenantID string

	// SourceTypes restricts results to the given record kinds.
	// Empty means both session and profile vectors.
	SourceTypes []SourceType

	// OwnerID optionally restricts results to a single record (used for
	// client-specific queries). Empty means all records in the tenant.
	OwnerID string

	// Limit is the maximum number of results. Stores cap this server-side
	// at MaxSearchLimit regardless of the caller-supplied value.
	Limit int

	// MinSimilarity drops results scoring below this cosine similarity.
	MinSimilarity float32
}

// MaxSearchLimit is the server-side cap on search result counts, bounding
// memory and latency regardless of what the caller asks for.
const MaxSearchLimit = 100

// VectorStore persists per-field embeddings per tenant and answers
// nearest-neighbour queries. Implementations must be safe for concurrent
// use and must guarantee a search never observes a partially written
// vector — an upsert is visible atomically or not at all.
type VectorStore interface {
	// Upsert stores or replaces the vector identified by
	// (TenantID, OwnerID, Field). It is idempotent: repeated calls with the
	// same identity leave exactly one logical row holding the latest values.
	Upsert(ctx context.Context, vec FieldVector) error

	// UpsertBatch upserts a batch of vectors. Used by the refresh worker
	// after parallel batch embedding.
	UpsertBatch(ctx context.Context, vecs []FieldVector) error

	// DeleteByOwner removes all field vectors belonging to the record,
	// scoped to the tenant. Used on record deletion (cascade).
	DeleteByOwner(ctx context.Context, tenantID, ownerID string) error

	// Search returns the nearest neighbours of queryEmbedding by cosine
	// similarity, filtered by tenant inside the query itself (never as a
	// post-filter), ordered by similarity descending.
	Search(ctx context.Context, queryEmbedding []float32, params SearchParams) ([]ContextItem, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vector embeddings. Document and query
// embeddings use distinct modes so stored fields and live queries remain
// compatible when the provider distinguishes the two.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// EmbedDocuments embeds a batch of stored-document texts. The returned
	// slice is parallel to the input. Blank input texts yield a
	// deterministic zero vector rather than an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query in query mode.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
