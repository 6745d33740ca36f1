package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/caremind/caremind-go/internal/agent"
	"github.com/caremind/caremind-go/internal/rag"
	"github.com/caremind/caremind-go/internal/refresh"
)

// Identity is the tenant and actor an API token resolves to.
type Identity struct {
	// TenantID is the tenant every request under this token is scoped to.
	TenantID string
	// ActorID identifies the user holding the token, for the audit trail.
	ActorID string
}

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// Tokens maps API bearer tokens to the identity they act as. When empty,
	// authentication is disabled and identity comes from the X-Tenant-ID and
	// X-Actor-ID request headers (development mode only).
	Tokens map[string]Identity
	// Registry receives the server's Prometheus metrics. If nil, the default
	// registry is used.
	Registry prometheus.Registerer
}

// answerer is the interface handleQuery calls. *agent.Orchestrator
// satisfies it; tests inject a fake.
type answerer interface {
	Answer(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// enqueuer is the interface the record handlers use to schedule index
// refreshes. *refresh.SQLiteQueue satisfies it; tests inject a fake.
type enqueuer interface {
	Enqueue(ctx context.Context, job refresh.Job) error
}

// tenantLimiter is the interface for the per-tenant query limiter.
// *ratelimit.Limiter satisfies it; tests inject a fake.
type tenantLimiter interface {
	Allow(ctx context.Context, tenantID string) error
}

// Server is the HTTP front end for the query and refresh pipelines.
type Server struct {
	// answerer runs queries end to end.
	answerer answerer
	// queue schedules index refresh jobs.
	queue enqueuer
	// limiter enforces the per-tenant query budget. May be nil (unlimited).
	limiter tenantLimiter
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the per-IP rate limiter's eviction goroutine on shutdown.
	stopRL func()
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Query is the user's question.
	Query string `json:"query"`
	// RecordID optionally restricts retrieval to one record.
	RecordID string `json:"record_id,omitempty"`
}

// refreshRequest is the JSON body for POST /api/records/refresh.
type refreshRequest struct {
	// OwnerID is the record whose fields changed.
	OwnerID string `json:"owner_id"`
	// SourceType is "session" or "profile".
	SourceType string `json:"source_type"`
	// Fields maps field name to its current text.
	Fields map[string]string `json:"fields"`
	// UpdatedAt is the record's modification time (RFC 3339). Defaults to
	// the current time when absent.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// enqueueResponse is the JSON body returned when a refresh or delete job is
// accepted.
type enqueueResponse struct {
	// Status is always "queued".
	Status string `json:"status"`
}

// sourceTypeFromString validates and converts the wire source type.
func sourceTypeFromString(s string) (rag.SourceType, bool) {
	switch rag.SourceType(s) {
	case rag.SourceSession:
		return rag.SourceSession, true
	case rag.SourceProfile:
		return rag.SourceProfile, true
	default:
		return "", false
	}
}
