package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelworks/renderd/internal/db"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/queue"
)

// Keep-alive interval for SSE streams so proxies don't drop idle connections.
const sseKeepAlive = 15 * time.Second

type Handler struct {
	db       *db.DB
	queue    *queue.Queue
	reporter *progress.Reporter
}

func NewHandler(database *db.DB, q *queue.Queue, reporter *progress.Reporter) *Handler {
	return &Handler{
		db:       database,
		queue:    q,
		reporter: reporter,
	}
}

// SubmitRender handles POST /v1/renders: validate, create the job record,
// enqueue, and return 202 with the assigned job id. The render itself happens
// on the worker; resubmitting identical inputs resolves through the cache
// there.
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// The server owns job identity.
	req.JobID = uuid.New()

	if err := req.Validate(); err != nil {
		rerr := models.AsRenderError(err)
		respondError(w, http.StatusBadRequest, rerr.Message)
		return
	}

	job := &models.Job{
		ID:        req.JobID,
		ProjectID: req.ProjectID,
		Status:    models.JobStatusQueued,
	}
	if err := h.db.CreateJob(r.Context(), job); err != nil {
		log.Printf("[API] Failed to create job record: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.EnqueueRender(r.Context(), &req); err != nil {
		log.Printf("[API] Failed to enqueue job %s: %v", req.JobID, err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.SubmitRenderResponse{
		JobID:     req.JobID,
		ProjectID: req.ProjectID,
		Status:    models.JobStatusQueued,
	})
}

// GetRenderProgress handles GET /v1/renders/{jobID}: the current snapshot,
// served from memory with a durable-store fallback after restarts.
func (h *Handler) GetRenderProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	if snap, ok := h.reporter.Snapshot(r.Context(), jobID.String()); ok {
		respondJSON(w, http.StatusOK, snap)
		return
	}

	// No snapshot yet: the job may still be queued.
	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, models.ProgressSnapshot{
		JobID:     jobID.String(),
		Stage:     models.StageIdle,
		Message:   fmt.Sprintf("job %s", job.Status),
		UpdatedAt: job.CreatedAt,
	})
}

// StreamRenderProgress handles GET /v1/renders/{jobID}/events as SSE: the
// latest snapshot immediately, then every update until terminal. Closing the
// stream never cancels the render.
func (h *Handler) StreamRenderProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap, updates, cancel := h.reporter.Subscribe(r.Context(), jobID.String())
	defer cancel()

	writeEvent := func(s models.ProgressSnapshot) bool {
		data, err := json.Marshal(s)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !s.Done
	}

	if !writeEvent(snap) {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s, ok := <-updates:
			if !ok {
				return
			}
			if !writeEvent(s) {
				return
			}
		}
	}
}

// Health handles GET /health. Reports the render queue depth so operators can
// see backlog without touching Redis directly.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Length(r.Context())
	if err != nil {
		log.Printf("[API] Queue depth check failed: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": depth,
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
