package data

import (
	"database/sql"
	"log/slog"
)

// RepoConfig holds configuration options for the job run repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRunRepo provides database operations for job run management.
type JobRunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRunRepo creates a new JobRunRepo instance with the given database connection and configuration.
func NewJobRunRepo(db *sql.DB, cfg RepoConfig) *JobRunRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRunRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const runColumns = `
  id,
  job_name,
  status,
  payload,
  result,
  error,
  idempotency_key,
  attempt_count,
  max_attempts,
  scheduled_for,
  run_after,
  created_at,
  started_at,
  finished_at,
  duration_ms
`

// runEnqueuedChannel is the LISTEN/NOTIFY channel signalled whenever a run
// becomes claimable (enqueue and manual retry).
const runEnqueuedChannel = "job_run_enqueued"
