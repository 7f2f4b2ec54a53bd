// Package httpx provides HTTP handlers and utilities for the job engine API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/quantfolio/jobs-api/internal/domain/model"
	errs "github.com/quantfolio/jobs-api/internal/errors"
	"github.com/quantfolio/jobs-api/internal/service"
)

// RunHandlers provides HTTP handlers for run-related operations.
type RunHandlers struct {
	Svc *service.JobRunService
}

// EnqueueJob handles HTTP requests to enqueue a new run.
// Responds 201 for a newly created run and 200 when an idempotency key
// matched an existing run.
func (h *RunHandlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRunRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := req.Validate(); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
		return
	}

	result, err := h.Svc.Enqueue(r.Context(), &req)
	if err != nil {
		writeServiceError(w, "enqueue_failed", err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	WriteJSON(w, status, result)
}

// ListRuns handles HTTP requests to list runs with optional filters.
func (h *RunHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	opts := &model.RunListOptions{}

	if v := r.URL.Query().Get("status"); v != "" {
		var status model.RunStatus
		if err := status.UnmarshalText([]byte(v)); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_status", Err: err})
			return
		}
		opts.Status = &status
	}
	if v := r.URL.Query().Get("job_name"); v != "" {
		opts.JobName = &v
	}
	opts.Limit, opts.Offset = ParseLimitOffset(r, 50, 1000)

	runs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, "list_failed", err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles HTTP requests to retrieve a single run.
func (h *RunHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	run, err := h.Svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, "get_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// RetryRun handles HTTP requests to re-admit a failed_retryable or
// dead_lettered run. Runs in any other status respond 409.
func (h *RunHandlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	run, err := h.Svc.Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, "retry_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// Stats handles HTTP requests to retrieve per-status run counts.
func (h *RunHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	opts := model.RunStatsOptions{}
	if v := r.URL.Query().Get("job_name"); v != "" {
		opts.JobName = &v
	}

	stats, err := h.Svc.Stats(r.Context(), opts)
	if err != nil {
		writeServiceError(w, "stats_failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// writeServiceError maps domain error codes onto HTTP statuses, falling back
// to 500 for anything unclassified.
func writeServiceError(w http.ResponseWriter, fallbackCode string, err error) {
	switch {
	case errs.IsNotFound(err):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: string(errs.ErrCodeNotFound), Err: err})
	case errs.IsConflict(err):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: string(errs.ErrCodeConflict), Err: err})
	case errs.IsValidation(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: string(errs.ErrCodeValidation), Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: fallbackCode, Err: err})
	}
}
