package httpx

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Runs *service.JobRunService
	// DB and Cache back the readiness probe. Either may be nil.
	DB     *sql.DB
	Cache  core.CacheRepository
	Logger *slog.Logger
}

// NewRouter creates and configures the HTTP router for the run API.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	runHandlers := &RunHandlers{Svc: services.Runs}
	registerRunRoutes(mux, runHandlers)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", &readinessHandler{DB: services.DB, Cache: services.Cache})

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Logging(logger)(Recover(logger)(mux))
}

func registerRunRoutes(mux *http.ServeMux, h *RunHandlers) {
	mux.HandleFunc("POST /jobs", h.EnqueueJob)
	mux.HandleFunc("GET /jobs/runs", h.ListRuns)
	mux.HandleFunc("GET /jobs/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /jobs/runs/{id}/retry", h.RetryRun)
	mux.HandleFunc("GET /jobs/stats", h.Stats)
}
