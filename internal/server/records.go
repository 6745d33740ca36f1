package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/caremind/caremind-go/internal/logging"
	"github.com/caremind/caremind-go/internal/refresh"
)

// handleRefresh handles POST /api/records/refresh: it queues a background
// re-embed of the supplied record fields and returns 202 immediately. The
// record edit itself is the caller's transaction; indexing never blocks it.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	id, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	sourceType, ok := sourceTypeFromString(req.SourceType)
	if !ok {
		http.Error(w, "source_type must be \"session\" or \"profile\"", http.StatusBadRequest)
		return
	}
	if len(req.Fields) == 0 {
		http.Error(w, "fields must not be empty", http.StatusBadRequest)
		return
	}
	updatedAt := req.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := s.queue.Enqueue(r.Context(), refresh.Job{
		TenantID:   id.TenantID,
		OwnerID:    req.OwnerID,
		SourceType: sourceType,
		Kind:       refresh.KindUpsertFields,
		Fields:     req.Fields,
		UpdatedAt:  updatedAt,
	})
	if err != nil {
		log.Error("refresh enqueue failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.metrics.refreshEnqueuedTotal.WithLabelValues(string(refresh.KindUpsertFields)).Inc()
	writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "queued"})
}

// handleDelete handles DELETE /api/records/{id}: it queues removal of every
// vector belonging to the record. Idempotent — deleting an unknown record
// still returns 202.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	id, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	ownerID := r.PathValue("id")
	if ownerID == "" {
		http.Error(w, "record id is required", http.StatusBadRequest)
		return
	}
	sourceType, ok := sourceTypeFromString(r.URL.Query().Get("source_type"))
	if !ok {
		http.Error(w, "source_type must be \"session\" or \"profile\"", http.StatusBadRequest)
		return
	}

	err := s.queue.Enqueue(r.Context(), refresh.Job{
		TenantID:   id.TenantID,
		OwnerID:    ownerID,
		SourceType: sourceType,
		Kind:       refresh.KindDeleteOwner,
	})
	if err != nil {
		log.Error("delete enqueue failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.metrics.refreshEnqueuedTotal.WithLabelValues(string(refresh.KindDeleteOwner)).Inc()
	writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "queued"})
}
