package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	"github.com/quantfolio/jobs-api/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJobRunRepo_ReapStalled_RecoversOrphanedRuns tests recovery of processing
// runs whose worker died without reporting an outcome.
func TestJobRunRepo_ReapStalled_RecoversOrphanedRuns(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		// One run with budget left, one already on its final attempt
		withBudget, err := repo.Enqueue(context.Background(), testutil.NewRunRequest().
			WithJobName("holdings_sync").
			WithIdempotencyKey("acct-1:sync").
			WithMaxAttempts(3).
			Build())
		require.NoError(t, err)

		exhausted, err := repo.Enqueue(context.Background(), testutil.NewRunRequest().
			WithJobName("learning_ingestion").
			WithIdempotencyKey("acct-2:ingest").
			WithMaxAttempts(1).
			Build())
		require.NoError(t, err)

		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)

		// Both workers vanish; time passes beyond the execution timeout
		timeProvider.AddTime(10 * time.Minute)

		reaped, err := repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: 5 * time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     15 * time.Minute,
			BatchSize:         100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), reaped)

		recovered, err := repo.GetByID(context.Background(), withBudget.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailedRetryable, recovered.Status)
		require.NotNil(t, recovered.Error)
		assert.Equal(t, "transient", recovered.Error.Kind)
		// first attempt, so run_after advances by the base delay
		assert.WithinDuration(t, timeProvider.Now().Add(time.Minute), recovered.RunAfter, time.Second)

		dead, err := repo.GetByID(context.Background(), exhausted.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDeadLettered, dead.Status)

		// The recovered run keeps its key: an enqueue with the same key replays
		// it instead of racing it with a second claimable run
		replay, err := repo.Enqueue(context.Background(), testutil.IdempotentRunRequest("holdings_sync", "acct-1:sync"))
		require.NoError(t, err)
		assert.True(t, replay.Duplicate)
		assert.Equal(t, withBudget.Run.ID, replay.Run.ID)

		// The dead-lettered run released its key
		fresh, err := repo.Enqueue(context.Background(), testutil.IdempotentRunRequest("learning_ingestion", "acct-2:ingest"))
		require.NoError(t, err)
		assert.False(t, fresh.Duplicate)

		// Only the recovered run and the fresh one are ever claimable
		timeProvider.AddTime(2 * time.Minute)
		first, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		second, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{recovered.ID, fresh.Run.ID}, []string{first.ID, second.ID})
		_, err = repo.ClaimNextDue(context.Background())
		require.ErrorIs(t, err, model.ErrNoRunsDue)
	})
}

// TestJobRunRepo_ReapStalled_BackoffGrowsWithAttempts tests that repeatedly
// reaped runs back off exponentially up to the configured cap.
func TestJobRunRepo_ReapStalled_BackoffGrowsWithAttempts(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		enq, err := repo.Enqueue(context.Background(), testutil.NewRunRequest().
			WithJobName("holdings_sync").
			WithMaxAttempts(5).
			Build())
		require.NoError(t, err)

		params := core.ReapStalledParams{
			ProcessingTimeout: 5 * time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     90 * time.Second,
			BatchSize:         100,
		}

		// Attempt 1 orphaned: delay = base
		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		timeProvider.AddTime(10 * time.Minute)
		reaped, err := repo.ReapStalled(context.Background(), params)
		require.NoError(t, err)
		require.Equal(t, int64(1), reaped)

		run, err := repo.GetByID(context.Background(), enq.Run.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, timeProvider.Now().Add(time.Minute), run.RunAfter, time.Second)

		// Attempt 2 orphaned: doubled delay hits the 90s cap
		timeProvider.AddTime(2 * time.Minute)
		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		timeProvider.AddTime(10 * time.Minute)
		reaped, err = repo.ReapStalled(context.Background(), params)
		require.NoError(t, err)
		require.Equal(t, int64(1), reaped)

		run, err = repo.GetByID(context.Background(), enq.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, run.AttemptCount)
		assert.WithinDuration(t, timeProvider.Now().Add(90*time.Second), run.RunAfter, time.Second)
	})
}

// TestJobRunRepo_ReapStalled_LeavesHealthyRunsAlone tests that fresh processing
// runs survive a reaper pass.
func TestJobRunRepo_ReapStalled_LeavesHealthyRunsAlone(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		_, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
		require.NoError(t, err)
		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)

		reaped, err := repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: 5 * time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     15 * time.Minute,
			BatchSize:         100,
		})
		require.NoError(t, err)
		assert.Zero(t, reaped)

		run, err := repo.GetByID(context.Background(), claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusProcessing, run.Status)
	})
}

// TestJobRunRepo_ReapStalled_RespectsBatchSize tests batch-limited recovery.
func TestJobRunRepo_ReapStalled_RespectsBatchSize(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		for range 3 {
			_, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
			require.NoError(t, err)
			_, err = repo.ClaimNextDue(context.Background())
			require.NoError(t, err)
		}

		timeProvider.AddTime(10 * time.Minute)

		params := core.ReapStalledParams{
			ProcessingTimeout: 5 * time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     15 * time.Minute,
			BatchSize:         2,
		}

		reaped, err := repo.ReapStalled(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, int64(2), reaped)

		reaped, err = repo.ReapStalled(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reaped)
	})
}

// TestJobRunRepo_ReapStalled_ValidatesParams tests parameter validation.
func TestJobRunRepo_ReapStalled_ValidatesParams(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		_, err := repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: 0,
			RetryBase:         time.Minute,
			RetryMaxDelay:     time.Minute,
			BatchSize:         10,
		})
		require.Error(t, err)

		_, err = repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: time.Minute,
			RetryBase:         0,
			RetryMaxDelay:     time.Minute,
			BatchSize:         10,
		})
		require.Error(t, err)

		_, err = repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     time.Second,
			BatchSize:         10,
		})
		require.Error(t, err)

		_, err = repo.ReapStalled(context.Background(), core.ReapStalledParams{
			ProcessingTimeout: time.Minute,
			RetryBase:         time.Minute,
			RetryMaxDelay:     time.Minute,
			BatchSize:         0,
		})
		require.Error(t, err)
	})
}

// TestJobRunRepo_DeleteOldRuns_Retention tests deletion of terminal runs past their max age.
func TestJobRunRepo_DeleteOldRuns_Retention(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		// Complete one run, then age it out
		old, err := repo.Enqueue(context.Background(), testutil.NewRunRequest().
			WithJobName("holdings_sync").
			WithIdempotencyKey("acct-old").
			Build())
		require.NoError(t, err)
		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.Complete(context.Background(), core.CompleteRunParams{ID: old.Run.ID})
		require.NoError(t, err)
		require.True(t, ok)

		timeProvider.AddTime(48 * time.Hour)

		// A recent completed run stays
		recent, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
		require.NoError(t, err)
		_, err = repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err = repo.Complete(context.Background(), core.CompleteRunParams{ID: recent.Run.ID})
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err := repo.DeleteOldRuns(context.Background(), core.DeleteOldRunsParams{
			Status:    model.RunStatusCompleted,
			MaxAge:    24 * time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = repo.GetByID(context.Background(), old.Run.ID)
		require.ErrorIs(t, err, model.ErrRunNotFound)

		kept, err := repo.GetByID(context.Background(), recent.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, kept.Status)

		// The deleted run's reservation went with it
		again, err := repo.Enqueue(context.Background(), testutil.IdempotentRunRequest("holdings_sync", "acct-old"))
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
	})
}

// TestJobRunRepo_DeleteOldRuns_ValidatesParams tests parameter validation.
func TestJobRunRepo_DeleteOldRuns_ValidatesParams(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		_, err := repo.DeleteOldRuns(context.Background(), core.DeleteOldRunsParams{
			Status:    model.RunStatus("bogus"),
			MaxAge:    time.Hour,
			BatchSize: 10,
		})
		require.Error(t, err)

		_, err = repo.DeleteOldRuns(context.Background(), core.DeleteOldRunsParams{
			Status:    model.RunStatusCompleted,
			MaxAge:    0,
			BatchSize: 10,
		})
		require.Error(t, err)

		_, err = repo.DeleteOldRuns(context.Background(), core.DeleteOldRunsParams{
			Status:    model.RunStatusCompleted,
			MaxAge:    time.Hour,
			BatchSize: 0,
		})
		require.Error(t, err)
	})
}
