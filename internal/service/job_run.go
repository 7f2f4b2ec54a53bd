package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfolio/jobs-api/internal/core"
	domainjob "github.com/quantfolio/jobs-api/internal/domain/job"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	errs "github.com/quantfolio/jobs-api/internal/errors"
)

// statsCacheKeyPrefix namespaces cached stats payloads in Redis.
const statsCacheKeyPrefix = "jobs:stats"

// DefaultStatsCacheTTL bounds how stale the cached stats payload may get.
const DefaultStatsCacheTTL = 10 * time.Second

// JobRunServiceOptions groups dependencies for JobRunService.
type JobRunServiceOptions struct {
	Repo            core.JobRunRepository     // Required: run repository
	Cache           core.CacheRepository      // Optional: stats cache
	StatsCacheTTL   time.Duration             // Optional: stats cache TTL, defaults to DefaultStatsCacheTTL
	Logger          *slog.Logger              // Optional: structured logger
	Notifier        domainjob.Notifier        // Optional: custom run availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobRunService provides business logic for run operations.
//
// This service manages:
// - Enqueueing runs with idempotency key handling
// - The query surface (get, list, stats)
// - Manual retry of failed_retryable and dead_lettered runs
// - Pub/sub notification fan-out for run availability
// - Graceful shutdown of notification listeners.
type JobRunService struct {
	repo          core.JobRunRepository
	cache         core.CacheRepository
	statsCacheTTL time.Duration
	notifier      domainjob.Notifier
	logger        *slog.Logger
}

// NewJobRunService constructs a new JobRunService.
func NewJobRunService(opts JobRunServiceOptions) (*JobRunService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRunRepository is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create run notifier: %w", err)
		}
	}

	ttl := opts.StatsCacheTTL
	if ttl <= 0 {
		ttl = DefaultStatsCacheTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_run_service")
	}

	return &JobRunService{
		repo:          opts.Repo,
		cache:         opts.Cache,
		statsCacheTTL: ttl,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// MustNewJobRunService constructs a new JobRunService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobRunService(opts JobRunServiceOptions) *JobRunService {
	svc, err := NewJobRunService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobRunService: %v", err))
	}
	return svc
}

// Enqueue admits a new run. When the request carries an idempotency key that
// is already held by a live or completed run, the existing run is returned
// with Duplicate set instead of creating another.
func (s *JobRunService) Enqueue(
	ctx context.Context,
	req *model.EnqueueRunRequest,
) (*model.EnqueueRunResult, error) {
	result, err := s.repo.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"run enqueued",
			"id",
			result.Run.ID,
			"job_name",
			result.Run.JobName,
			"duplicate",
			result.Duplicate,
		)
	}

	return result, nil
}

// GetByID returns a run by its ID.
func (s *JobRunService) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	run, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, model.ErrRunNotFound) {
		return nil, errs.NotFoundf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run by id %s: %w", id, err)
	}
	return run, nil
}

// List returns runs with optional status and job name filters.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *JobRunService) List(
	ctx context.Context,
	opts *model.RunListOptions,
) ([]*model.JobRun, error) {
	if opts == nil {
		opts = &model.RunListOptions{}
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	runs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Stats returns per-status run counts, served from the cache when fresh.
func (s *JobRunService) Stats(ctx context.Context, opts model.RunStatsOptions) (*model.RunStats, error) {
	cacheKey := statsCacheKeyPrefix
	if opts.JobName != nil && *opts.JobName != "" {
		cacheKey += ":" + *opts.JobName
	}

	if cached := s.cachedStats(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	stats, err := s.repo.Stats(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("get run stats: %w", err)
	}

	s.storeStats(ctx, cacheKey, stats)
	return stats, nil
}

// cachedStats returns the cached stats payload or nil on miss. Cache failures
// are logged and treated as misses.
func (s *JobRunService) cachedStats(ctx context.Context, key string) *model.RunStats {
	if s.cache == nil {
		return nil
	}

	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "stats cache read failed", "key", key, "error", err)
		}
		return nil
	}
	if raw == nil {
		return nil
	}

	var stats model.RunStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "stats cache payload invalid", "key", key, "error", err)
		}
		return nil
	}
	return &stats
}

func (s *JobRunService) storeStats(ctx context.Context, key string, stats *model.RunStats) {
	if s.cache == nil {
		return
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.statsCacheTTL); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "stats cache write failed", "key", key, "error", err)
	}
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// Retry re-admits a failed_retryable or dead_lettered run as pending with an
// immediate run_after. attempt_count is preserved so a run out of budget
// dead-letters again on its next failure.
func (s *JobRunService) Retry(ctx context.Context, id string) (*model.JobRun, error) {
	run, err := s.repo.Retry(ctx, id)
	if errors.Is(err, model.ErrRunNotFound) {
		return nil, errs.NotFoundf("run %s not found", id)
	}
	if errors.Is(err, model.ErrRunNotRetryable) {
		return nil, errs.Conflictf("run %s is not in a retryable status", id)
	}
	if errors.Is(err, model.ErrRunKeyHeld) {
		return nil, errs.Conflictf("run %s idempotency key is held by another run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("retry run %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(
			ctx,
			"run re-admitted",
			"id",
			run.ID,
			"job_name",
			run.JobName,
			"attempt_count",
			run.AttemptCount,
		)
	}

	return run, nil
}

// Subscribe creates a subscription for run availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobRunService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// StopAllListeners stops all active run notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobRunService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all run listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
