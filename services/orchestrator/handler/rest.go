package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/postgres"
	redisstore "github.com/okoabh/okoa-automated-processor-sub000/internal/redis"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/telemetry"
	"github.com/okoabh/okoa-automated-processor-sub000/services/orchestrator/pool"
)

// streamInterval is the push cadence of the metrics stream.
const streamInterval = 2 * time.Second

// REST exposes the orchestrator over HTTP.
type REST struct {
	pump       *pool.Pump
	jobs       postgres.JobStore
	aggregator *pool.Aggregator
	limiter    redisstore.RateLimiter
	logger     *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(pump *pool.Pump, jobs postgres.JobStore, aggregator *pool.Aggregator, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{pump: pump, jobs: jobs, aggregator: aggregator, limiter: limiter, logger: logger}
}

// Routes mounts all endpoints on a router.
func (h *REST) Routes(r chi.Router) {
	r.Post("/api/v1/jobs", h.SubmitJob)
	r.Get("/api/v1/jobs/{id}", h.GetJob)
	r.Get("/api/v1/metrics", h.Metrics)
	r.Get("/api/v1/metrics/stream", h.MetricsStream)
	r.Post("/api/v1/scale", h.RequestScale)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	DocumentID string `json:"document_id"`
	Type       string `json:"type"`
	Priority   int    `json:"priority"`
}

// SubmitJobResponse is the 202 response body.
type SubmitJobResponse struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	EstimatedCost float64   `json:"estimated_cost"`
	QueuedAt      time.Time `json:"queued_at"`
}

// SubmitJob handles POST /api/v1/jobs.
func (h *REST) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		writeError(w, http.StatusBadRequest, "field 'document_id' is required")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}

	span.SetAttributes(
		attribute.String("job.type", req.Type),
		attribute.String("document.id", req.DocumentID),
	)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, req.Type)
		if err != nil {
			h.logger.Error("rate limiter check", slog.String("error", err.Error()))
			// Fail open: a limiter outage must not stop intake.
		} else if !allowed {
			telemetry.APIRateLimitedTotal.Inc()
			rateErr := &domain.RateLimitExceededError{JobType: req.Type, Limit: h.limiter.Limit()}
			span.RecordError(rateErr)
			writeError(w, http.StatusTooManyRequests, rateErr.Error())
			return
		}
	}

	job, err := h.pump.Enqueue(ctx, req.DocumentID, req.Type, req.Priority)
	if err != nil {
		var typeErr *domain.InvalidAgentTypeError
		if errors.As(err, &typeErr) {
			writeError(w, http.StatusBadRequest, typeErr.Error())
			return
		}
		span.RecordError(err)
		h.logger.Error("enqueue job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	resp := SubmitJobResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		QueuedAt: job.QueuedAt,
	}
	if job.EstimatedCost != nil {
		resp.EstimatedCost = *job.EstimatedCost
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("load job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// Metrics handles GET /api/v1/metrics: one snapshot of the read model.
func (h *REST) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.aggregator.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("metrics snapshot", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// MetricsStream handles GET /api/v1/metrics/stream: snapshots pushed
// over SSE every two seconds. A failed push closes the stream; clients
// reconnect. No backpressure handling — the payload is small and
// bounded.
func (h *REST) MetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientGone := r.Context().Done()
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	push := func() bool {
		snap, err := h.aggregator.Snapshot(r.Context())
		if err != nil {
			h.logger.Error("metrics snapshot", slog.String("error", err.Error()))
			return true // transient; keep the stream open
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: metrics\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

// RequestScale handles POST /api/v1/scale. Idempotent: it only wakes
// the scheduling loop, which re-reads all state itself.
func (h *REST) RequestScale(w http.ResponseWriter, r *http.Request) {
	h.pump.RequestScale()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"scale requested"}`))
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks database connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.jobs.CountByStatus(ctx, domain.JobQueued); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
