package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/caremind/caremind-go/internal/rag"
)

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// EmbedderPinger probes the embedding backend with a single short query
// embedding. It satisfies the Pinger interface and is used by GET /api/ready.
type EmbedderPinger struct {
	// embedder is the embedding backend to probe.
	embedder rag.Embedder
}

// NewEmbedderPinger constructs an EmbedderPinger for the given embedder.
func NewEmbedderPinger(e rag.Embedder) *EmbedderPinger {
	return &EmbedderPinger{embedder: e}
}

// Name returns the dependency label used in readiness responses.
func (p *EmbedderPinger) Name() string { return "embedder" }

// Ping embeds one short probe string and checks the result is non-empty.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vec, err := p.embedder.EmbedQuery(ctx, "ping")
	if err != nil {
		return fmt.Errorf("embed probe failed: %w", err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("embed probe returned an empty vector")
	}
	return nil
}

// dbPinger adapts anything with a Ping method (the audit recorder) to the
// Pinger interface under a fixed name.
type dbPinger struct {
	name string
	ping func(ctx context.Context) error
}

// NewDBPinger wraps a Ping function as a named readiness probe.
func NewDBPinger(name string, ping func(ctx context.Context) error) Pinger {
	return &dbPinger{name: name, ping: ping}
}

func (p *dbPinger) Name() string { return p.name }

func (p *dbPinger) Ping(ctx context.Context) error { return p.ping(ctx) }
