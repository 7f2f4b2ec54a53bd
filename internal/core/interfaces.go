// Package core defines the repository contracts (ports) between the service
// layer and the data layer of the job engine.
package core

import (
	"context"
	"time"

	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// JobRunRepository defines the interface for job run data operations.
type JobRunRepository interface {
	// Enqueue persists a new run as pending, reserving its idempotency key when
	// one is supplied. When the key is already held by a live or completed run,
	// the existing run is returned with Duplicate set and no row is created.
	Enqueue(ctx context.Context, req *model.EnqueueRunRequest) (*model.EnqueueRunResult, error)

	GetByID(ctx context.Context, id string) (*model.JobRun, error)
	List(ctx context.Context, opts *model.RunListOptions) ([]*model.JobRun, error)
	Stats(ctx context.Context, opts model.RunStatsOptions) (*model.RunStats, error)

	// ClaimNextDue atomically claims the next due pending or failed_retryable
	// run: status becomes processing, started_at is set and attempt_count is
	// incremented. Returns model.ErrNoRunsDue when nothing is claimable.
	ClaimNextDue(ctx context.Context) (*model.JobRun, error)

	// Complete records a successful outcome. The update is a compare-and-swap
	// on status processing; false means the run was no longer processing.
	Complete(ctx context.Context, params CompleteRunParams) (bool, error)

	// FailRetryable records a recoverable failure and atomically applies the
	// retry decision: re-admit as pending with an advanced run_after, or
	// dead-letter when the attempt budget is spent. CAS on status processing.
	FailRetryable(ctx context.Context, params FailRunParams) (bool, error)

	// FailPermanent records a non-recoverable failure. CAS on status processing.
	FailPermanent(ctx context.Context, params FailRunParams) (bool, error)

	// Retry re-admits a failed_retryable or dead_lettered run as pending with
	// run_after = now, preserving attempt_count. Returns model.ErrRunKeyHeld
	// when the run's idempotency key is now held by a different run.
	Retry(ctx context.Context, id string) (*model.JobRun, error)

	// WaitForNotification blocks until the store signals newly enqueued runs.
	WaitForNotification(ctx context.Context) error
}

// CompleteRunParams groups parameters for JobRunRepository.Complete.
type CompleteRunParams struct {
	ID     string
	Result []byte
}

// FailRunParams groups parameters for the failure outcome writes.
type FailRunParams struct {
	ID  string
	Err model.RunError
	// RetryDelay is the policy-computed backoff applied when the run is
	// re-admitted. Ignored by FailPermanent.
	RetryDelay time.Duration
}

// ReapStalledParams groups parameters for ReaperRepository.ReapStalled.
type ReapStalledParams struct {
	// ProcessingTimeout is the execution-timeout ceiling: processing runs whose
	// started_at is older than this are considered orphaned.
	ProcessingTimeout time.Duration
	// RetryBase and RetryMaxDelay parameterise the backoff applied to the
	// reaped runs' run_after: base * 2^(attempt_count-1), capped at the max.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	BatchSize     int
}

// DeleteOldRunsParams groups parameters for ReaperRepository.DeleteOldRuns.
type DeleteOldRunsParams struct {
	Status    model.RunStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for run recovery and retention operations.
type ReaperRepository interface {
	// ReapStalled transitions orphaned processing runs to failed_retryable with
	// a backoff-advanced run_after, or dead_lettered when the attempt budget is
	// spent. Only dead-lettered runs release their idempotency reservation; a
	// failed_retryable run keeps its key so a concurrent enqueue replays it
	// instead of creating a second claimable run. Returns the number of runs
	// reaped.
	ReapStalled(ctx context.Context, params ReapStalledParams) (int64, error)

	// DeleteOldRuns deletes runs with the given status older than maxAge,
	// up to batchSize rows per call, together with their reservations.
	DeleteOldRuns(ctx context.Context, params DeleteOldRunsParams) (int64, error)
}

// CacheRepository defines the interface for caching operations used by the
// stats surface. The core defines the contract; the data layer implements it
// over Redis.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}
