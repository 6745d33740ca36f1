package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance. Qdrant
// maintains an HNSW graph index per collection, giving sub-10ms approximate
// nearest-neighbour lookups at the per-tenant scale this system expects.
// The tenant filter is part of every query sent to Qdrant — cross-tenant
// points are excluded during graph traversal, never post-filtered here.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// and its tenant payload index exist, and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// Client exposes the underlying gRPC client for health probes.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// ensureCollection creates the Qdrant collection and the keyword payload
// indexes used for tenant and owner filtering if they do not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	// Indexed payload fields make the tenant filter part of the HNSW
	// traversal rather than a scan over candidates.
	for _, field := range []string{"tenant_id", "owner_id", "source_type"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index payload field %q: %w", field, err)
		}
	}

	return nil
}

// pointID derives the deterministic Qdrant point ID for a field vector's
// logical identity. Reusing the same ID on every upsert of
// (tenant, owner, field) is what makes Upsert idempotent.
func pointID(tenantID, ownerID, field string) string {
	h := sha256.Sum256([]byte(tenantID + "\x00" + ownerID + "\x00" + field))
	return fmt.Sprintf("%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}

// Upsert stores or replaces the vector for one (tenant, owner, field)
// identity. Qdrant upserts are atomic per point: a concurrent search sees
// either the previous vector or the new one, never a torn write.
func (s *QdrantStore) Upsert(ctx context.Context, vec FieldVector) error {
	return s.UpsertBatch(ctx, []FieldVector{vec})
}

// UpsertBatch upserts a batch of field vectors in a single request.
func (s *QdrantStore) UpsertBatch(ctx context.Context, vecs []FieldVector) error {
	points := make([]*qdrant.PointStruct, 0, len(vecs))
	for _, vec := range vecs {
		if vec.TenantID == "" {
			return ErrTenantMismatch
		}
		if !ValidField(vec.SourceType, vec.Field) {
			return fmt.Errorf("qdrant: field %q is not embeddable for source type %q", vec.Field, vec.SourceType)
		}

		updated := vec.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}

		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(pointID(vec.TenantID, vec.OwnerID, vec.Field)),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				"tenant_id":   vec.TenantID,
				"owner_id":    vec.OwnerID,
				"source_type": string(vec.SourceType),
				"field":       vec.Field,
				"text":        vec.Text,
				"updated_at":  updated.Format(time.RFC3339),
			}),
			Vectors: qdrant.NewVectors(vec.Embedding...),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// DeleteByOwner removes all field vectors belonging to the record, scoped
// to the tenant via a filter-based delete.
func (s *QdrantStore) DeleteByOwner(ctx context.Context, tenantID, ownerID string) error {
	if tenantID == "" {
		return ErrTenantMismatch
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeyword("tenant_id", tenantID),
				qdrant.NewMatchKeyword("owner_id", ownerID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete by owner failed: %w", err)
	}

	return nil
}

// Search performs a cosine similarity search filtered by tenant (and
// optionally owner and source types) inside the Qdrant query itself.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, params SearchParams) ([]ContextItem, error) {
	if params.TenantID == "" {
		return nil, ErrTenantMismatch
	}

	limit := uint64(params.Limit)
	if params.Limit <= 0 || params.Limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	must := []*qdrant.Condition{
		qdrant.NewMatchKeyword("tenant_id", params.TenantID),
	}
	if params.OwnerID != "" {
		must = append(must, qdrant.NewMatchKeyword("owner_id", params.OwnerID))
	}
	if len(params.SourceTypes) > 0 {
		types := make([]string, 0, len(params.SourceTypes))
		for _, t := range params.SourceTypes {
			types = append(types, string(t))
		}
		must = append(must, qdrant.NewMatchKeywords("source_type", types...))
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if params.MinSimilarity > 0 {
		threshold := params.MinSimilarity
		query.ScoreThreshold = &threshold
	}

	results, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	items := make([]ContextItem, 0, len(results))
	for _, r := range results {
		item := ContextItem{Similarity: r.Score}
		if p := r.Payload; p != nil {
			if v, ok := p["source_type"]; ok {
				item.SourceType = SourceType(v.GetStringValue())
			}
			if v, ok := p["owner_id"]; ok {
				item.SourceID = v.GetStringValue()
			}
			if v, ok := p["field"]; ok {
				item.Field = v.GetStringValue()
			}
			if v, ok := p["text"]; ok {
				item.Snippet = v.GetStringValue()
			}
			if v, ok := p["updated_at"]; ok {
				if ts, err := time.Parse(time.RFC3339, v.GetStringValue()); err == nil {
					item.UpdatedAt = ts
				}
			}
		}
		items = append(items, item)
	}

	return items, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
