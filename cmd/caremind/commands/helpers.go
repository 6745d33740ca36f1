package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caremind/caremind-go/internal/agent"
	"github.com/caremind/caremind-go/internal/audit"
	"github.com/caremind/caremind-go/internal/embedder"
	"github.com/caremind/caremind-go/internal/filter"
	"github.com/caremind/caremind-go/internal/provider"
	"github.com/caremind/caremind-go/internal/rag"
	"github.com/caremind/caremind-go/internal/ratelimit"
	"github.com/caremind/caremind-go/internal/refresh"
	"github.com/caremind/caremind-go/internal/retrieval"
)

// envOrDefault returns the env var value or fallback when unset.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt parses an integer env var, returning fallback when unset or invalid.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envFloat32 parses a float env var, returning fallback when unset or invalid.
func envFloat32(key string, fallback float32) float32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

// dataPath resolves a database path: the env var wins, otherwise the file
// lives under ~/.caremind/ (created on first use).
func dataPath(envKey, filename string) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".caremind")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, filename), nil
}

// buildVectorStore constructs the vector index backend selected by
// VECTOR_STORE_BACKEND: "qdrant" (default) or "memory" for local
// development without a running Qdrant.
func buildVectorStore(ctx context.Context, log *slog.Logger) (rag.VectorStore, error) {
	backend := envOrDefault("VECTOR_STORE_BACKEND", "qdrant")
	switch backend {
	case "memory":
		log.Warn("vector store: using in-memory backend, index is lost on restart")
		return rag.NewMemoryStore(), nil

	case "qdrant":
		embedBackend := os.Getenv("EMBEDDING_PROVIDER")
		if embedBackend == "" {
			embedBackend = envOrDefault("MODEL_PROVIDER", "ollama")
		}
		store, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       envOrDefault("QDRANT_HOST", "localhost"),
			Port:       envInt("QDRANT_PORT", 6334),
			Collection: envOrDefault("QDRANT_COLLECTION", "caremind_records"),
			VectorSize: uint64(embedder.DefaultDimensions(embedBackend)),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("vector store: %w", err)
		}
		log.Info("vector store: qdrant connected",
			slog.String("host", envOrDefault("QDRANT_HOST", "localhost")),
			slog.String("collection", envOrDefault("QDRANT_COLLECTION", "caremind_records")),
		)
		return store, nil

	default:
		return nil, fmt.Errorf("vector store: unknown backend %q", backend)
	}
}

// buildTenantLimiter constructs the per-tenant query limiter over the
// counter store selected by RATELIMIT_BACKEND: "memory" (default, single
// instance) or "sqlite" (shared between processes on one host).
func buildTenantLimiter(log *slog.Logger) (*ratelimit.Limiter, func(), error) {
	var store ratelimit.CounterStore
	closeStore := func() {}

	switch backend := envOrDefault("RATELIMIT_BACKEND", "memory"); backend {
	case "memory":
		store = ratelimit.NewMemoryCounterStore()

	case "sqlite":
		path, err := dataPath("RATELIMIT_DB", "ratelimit.db")
		if err != nil {
			return nil, nil, fmt.Errorf("ratelimit: %w", err)
		}
		s, err := ratelimit.OpenSQLiteCounterStore(path)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closeStore = func() { _ = s.Close() }
		log.Info("ratelimit: sqlite counter store opened", slog.String("path", path))

	default:
		return nil, nil, fmt.Errorf("ratelimit: unknown backend %q", backend)
	}

	limiter, err := ratelimit.New(store, ratelimit.Config{
		Limit:  int64(envInt("RATELIMIT_PER_MINUTE", 0)),
		Window: time.Duration(envInt("RATELIMIT_WINDOW_SECONDS", 0)) * time.Second,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return limiter, closeStore, nil
}

// pipeline bundles the fully wired query pipeline and its resources.
type pipeline struct {
	orchestrator *agent.Orchestrator
	embedder     rag.Embedder
	store        rag.VectorStore
	recorder     *audit.SQLiteRecorder
	closers      []func()
}

// close releases pipeline resources in reverse construction order.
func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// buildPipeline wires the query pipeline end to end: embedder, vector
// store, retrieval service, chat model, output filter, audit recorder,
// and the orchestrator on top.
func buildPipeline(ctx context.Context, log *slog.Logger) (*pipeline, error) {
	p := &pipeline{}

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	p.embedder = emb

	store, err := buildVectorStore(ctx, log)
	if err != nil {
		return nil, err
	}
	p.store = store
	p.closers = append(p.closers, func() { _ = store.Close() })

	retriever, err := retrieval.NewService(emb, store, retrieval.Config{
		MinSimilarity:        envFloat32("RETRIEVAL_MIN_SIMILARITY", 0),
		FloorSimilarity:      envFloat32("RETRIEVAL_FLOOR_SIMILARITY", 0),
		ShortQuerySimilarity: envFloat32("RETRIEVAL_SHORT_QUERY_SIMILARITY", 0),
		ShortQueryWords:      envInt("RETRIEVAL_SHORT_QUERY_WORDS", 0),
		TopN:                 envInt("RETRIEVAL_TOP_N", 0),
	})
	if err != nil {
		p.close()
		return nil, err
	}

	chatModel, err := provider.NewFromEnv(ctx)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised", slog.String("provider", envOrDefault("MODEL_PROVIDER", "ollama")))

	auditPath, err := dataPath("CAREMIND_AUDIT_DB", "audit.db")
	if err != nil {
		p.close()
		return nil, fmt.Errorf("audit: %w", err)
	}
	recorder, err := audit.Open(auditPath)
	if err != nil {
		p.close()
		return nil, err
	}
	p.recorder = recorder
	p.closers = append(p.closers, func() { _ = recorder.Close() })
	log.Info("audit: trail opened", slog.String("path", auditPath))

	outFilter := filter.New(filter.Config{
		MaxAnswerTokens: envInt("FILTER_MAX_ANSWER_TOKENS", 0),
	})

	orch, err := agent.New(chatModel, retriever, outFilter, recorder, agent.Config{
		WallClockTimeout: time.Duration(envInt("AGENT_TIMEOUT_SECONDS", 0)) * time.Second,
		AttemptTimeout:   time.Duration(envInt("AGENT_ATTEMPT_TIMEOUT_SECONDS", 0)) * time.Second,
		MaxAttempts:      envInt("AGENT_MAX_ATTEMPTS", 0),
	})
	if err != nil {
		p.close()
		return nil, err
	}
	p.orchestrator = orch

	return p, nil
}

// openQueue opens the refresh job queue at CAREMIND_QUEUE_DB (default
// ~/.caremind/queue.db).
func openQueue(log *slog.Logger) (*refresh.SQLiteQueue, error) {
	path, err := dataPath("CAREMIND_QUEUE_DB", "queue.db")
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	queue, err := refresh.OpenQueue(path)
	if err != nil {
		return nil, err
	}
	log.Info("queue: opened", slog.String("path", path))
	return queue, nil
}
