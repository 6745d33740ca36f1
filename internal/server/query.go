package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caremind/caremind-go/internal/agent"
	"github.com/caremind/caremind-go/internal/logging"
	"github.com/caremind/caremind-go/internal/ratelimit"
)

// handleQuery handles POST /api/query: it enforces the tenant's query
// budget, runs the question through the pipeline, and returns the filtered
// answer with its citations. Internal failures surface as a generic 500 —
// the concrete cause lives in the logs and the audit trail only.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()

	id, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(r.Context(), id.TenantID); err != nil {
			var limited *ratelimit.LimitedError
			if errors.As(err, &limited) {
				s.metrics.queryRequestsTotal.WithLabelValues("limited").Inc()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limited.RetryAfter.Seconds())+1))
				http.Error(w, "query budget exceeded", http.StatusTooManyRequests)
				return
			}
			log.Error("tenant limiter failed", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	resp, err := s.answerer.Answer(r.Context(), agent.Request{
		TenantID:      id.TenantID,
		ActorID:       id.ActorID,
		Query:         req.Query,
		ScopeRecordID: req.RecordID,
	})
	outcome := "ok"
	switch {
	case errors.Is(err, agent.ErrInvalidRequest):
		outcome = "invalid"
		http.Error(w, "invalid request", http.StatusBadRequest)
	case err != nil:
		outcome = "error"
		http.Error(w, "query failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, resp)
	}

	s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
