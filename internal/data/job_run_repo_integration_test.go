package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	"github.com/quantfolio/jobs-api/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJobRunRepo_Integration_EnqueueAndClaim tests the full flow of enqueueing and claiming runs.
func TestJobRunRepo_Integration_EnqueueAndClaim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		// Enqueue runs with staggered run_after via scheduled_for
		base := time.Now().UTC().Add(-time.Minute)
		reqs := []*model.EnqueueRunRequest{
			{
				JobName:      "holdings_sync",
				Payload:      json.RawMessage(`{"account_id": "acct-2"}`),
				ScheduledFor: testutil.TimePtr(base.Add(20 * time.Second)),
			},
			{
				JobName:      "holdings_sync",
				Payload:      json.RawMessage(`{"account_id": "acct-1"}`),
				ScheduledFor: testutil.TimePtr(base),
			},
			{
				JobName:      "suggestion_generation",
				Payload:      json.RawMessage(`{"portfolio_id": "pf-1"}`),
				ScheduledFor: testutil.TimePtr(base.Add(10 * time.Second)),
			},
		}

		for _, req := range reqs {
			_, err := repo.Enqueue(context.Background(), req)
			require.NoError(t, err)
		}

		// Claims come out ordered by run_after ascending
		claimed1, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"account_id": "acct-1"}`, string(claimed1.Payload))
		assert.Equal(t, model.RunStatusProcessing, claimed1.Status)
		assert.Equal(t, 1, claimed1.AttemptCount)
		assert.NotNil(t, claimed1.StartedAt)

		claimed2, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "suggestion_generation", claimed2.JobName)

		claimed3, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"account_id": "acct-2"}`, string(claimed3.Payload))

		// Nothing left to claim
		_, err = repo.ClaimNextDue(context.Background())
		require.ErrorIs(t, err, model.ErrNoRunsDue)
	})
}

// TestJobRunRepo_Integration_FutureRunNotClaimable verifies scheduled runs stay
// invisible to workers until run_after elapses.
func TestJobRunRepo_Integration_FutureRunNotClaimable(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		req := testutil.ScheduledRunRequest("holdings_sync", testutil.TestTime().Add(time.Hour))
		result, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPending, result.Run.Status)
		assert.WithinDuration(t, testutil.TestTime().Add(time.Hour), result.Run.RunAfter, time.Second)

		_, err = repo.ClaimNextDue(context.Background())
		require.ErrorIs(t, err, model.ErrNoRunsDue)

		timeProvider.AddTime(time.Hour + time.Second)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, result.Run.ID, claimed.ID)
	})
}

// TestJobRunRepo_Integration_IdempotentEnqueue tests idempotency key handling end to end.
func TestJobRunRepo_Integration_IdempotentEnqueue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		req := testutil.IdempotentRunRequest("holdings_sync", "acct-1:2024-01-01")

		first, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, first.Duplicate)

		// Same key again: existing run comes back, no new row
		second, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Run.ID, second.Run.ID)

		// Same key under a different job name is independent
		other, err := repo.Enqueue(context.Background(), testutil.IdempotentRunRequest("suggestion_generation", "acct-1:2024-01-01"))
		require.NoError(t, err)
		assert.False(t, other.Duplicate)
		assert.NotEqual(t, first.Run.ID, other.Run.ID)

		// The key stays held through completion
		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.Complete(context.Background(), core.CompleteRunParams{ID: claimed.ID, Result: []byte(`{"synced": 3}`)})
		require.NoError(t, err)
		assert.True(t, ok)

		third, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, third.Duplicate)
		assert.Equal(t, first.Run.ID, third.Run.ID)
	})
}

// TestJobRunRepo_Integration_ConcurrentClaim tests that one claimable run goes to exactly one worker.
func TestJobRunRepo_Integration_ConcurrentClaim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		result, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
		require.NoError(t, err)

		results := make(chan *model.JobRun, 2)
		errs := make(chan error, 2)

		for range 2 {
			go func() {
				claimed, claimErr := repo.ClaimNextDue(context.Background())
				if claimErr != nil {
					errs <- claimErr
				} else {
					results <- claimed
				}
			}()
		}

		var successCount, errorCount int
		var claimedRun *model.JobRun

		for range 2 {
			select {
			case run := <-results:
				successCount++
				claimedRun = run
			case claimErr := <-errs:
				errorCount++
				require.ErrorIs(t, claimErr, model.ErrNoRunsDue)
			case <-time.After(5 * time.Second):
				t.Fatal("Test timed out")
			}
		}

		assert.Equal(t, 1, successCount, "Exactly one claim should succeed")
		assert.Equal(t, 1, errorCount, "Exactly one claim should miss")
		if claimedRun != nil {
			assert.Equal(t, result.Run.ID, claimedRun.ID)
		}
	})
}

// TestJobRunRepo_Integration_TransientFailuresDeadLetter walks a run through its
// whole attempt budget of transient failures.
func TestJobRunRepo_Integration_TransientFailuresDeadLetter(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		timeProvider := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: timeProvider})

		req := testutil.NewRunRequest().
			WithJobName("holdings_sync").
			WithIdempotencyKey("acct-9:sync").
			WithMaxAttempts(3).
			Build()
		result, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)

		failTransient := func() bool {
			ok, failErr := repo.FailRetryable(context.Background(), core.FailRunParams{
				ID:         result.Run.ID,
				Err:        model.RunError{Kind: "transient", Message: "upstream unavailable"},
				RetryDelay: 30 * time.Second,
			})
			require.NoError(t, failErr)
			return ok
		}

		// Attempts 1 and 2 re-enter pending with run_after pushed out
		for attempt := 1; attempt <= 2; attempt++ {
			claimed, claimErr := repo.ClaimNextDue(context.Background())
			require.NoError(t, claimErr)
			assert.Equal(t, attempt, claimed.AttemptCount)
			assert.True(t, failTransient())

			run, getErr := repo.GetByID(context.Background(), result.Run.ID)
			require.NoError(t, getErr)
			assert.Equal(t, model.RunStatusPending, run.Status)
			assert.WithinDuration(t, timeProvider.Now().Add(30*time.Second), run.RunAfter, time.Second)

			// Not claimable until the backoff elapses
			_, claimErr = repo.ClaimNextDue(context.Background())
			require.ErrorIs(t, claimErr, model.ErrNoRunsDue)
			timeProvider.AddTime(31 * time.Second)
		}

		// Attempt 3 spends the budget: dead_lettered, key released
		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, claimed.AttemptCount)
		assert.True(t, failTransient())

		run, err := repo.GetByID(context.Background(), result.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDeadLettered, run.Status)
		assert.Equal(t, 3, run.AttemptCount)
		require.NotNil(t, run.Error)
		assert.Equal(t, "transient", run.Error.Kind)
		assert.NotNil(t, run.FinishedAt)

		// Producer can enqueue the same key again now
		again, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
		assert.NotEqual(t, result.Run.ID, again.Run.ID)
	})
}

// TestJobRunRepo_Integration_PermanentFailure tests that a permanent failure
// bypasses the retry budget and releases the idempotency key.
func TestJobRunRepo_Integration_PermanentFailure(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		req := testutil.NewRunRequest().
			WithJobName("learning_ingestion").
			WithIdempotencyKey("doc-42").
			WithMaxAttempts(5).
			Build()
		result, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		require.Equal(t, result.Run.ID, claimed.ID)

		ok, err := repo.FailPermanent(context.Background(), core.FailRunParams{
			ID:  claimed.ID,
			Err: model.RunError{Kind: "permanent", Message: "payload rejected"},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		run, err := repo.GetByID(context.Background(), claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, run.Status)
		assert.Equal(t, 1, run.AttemptCount)
		require.NotNil(t, run.Error)
		assert.Equal(t, "permanent", run.Error.Kind)

		// Key is free again
		again, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
	})
}

// TestJobRunRepo_Integration_OutcomeCAS tests that outcome writes only land on
// processing runs.
func TestJobRunRepo_Integration_OutcomeCAS(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		result, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
		require.NoError(t, err)

		// Run is still pending: every outcome write must miss
		ok, err := repo.Complete(context.Background(), core.CompleteRunParams{ID: result.Run.ID})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.FailRetryable(context.Background(), core.FailRunParams{
			ID:  result.Run.ID,
			Err: model.RunError{Kind: "transient", Message: "late"},
		})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.FailPermanent(context.Background(), core.FailRunParams{
			ID:  result.Run.ID,
			Err: model.RunError{Kind: "permanent", Message: "late"},
		})
		require.NoError(t, err)
		assert.False(t, ok)

		// Claim, complete, then a second complete loses the CAS
		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)

		ok, err = repo.Complete(context.Background(), core.CompleteRunParams{ID: claimed.ID, Result: []byte(`{"n": 1}`)})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Complete(context.Background(), core.CompleteRunParams{ID: claimed.ID})
		require.NoError(t, err)
		assert.False(t, ok)

		run, err := repo.GetByID(context.Background(), claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, run.Status)
		assert.JSONEq(t, `{"n": 1}`, string(run.Result))
		assert.Nil(t, run.Error)
		assert.NotNil(t, run.DurationMs)
	})
}

// TestJobRunRepo_Integration_ManualRetry tests operator re-admission of dead_lettered runs.
func TestJobRunRepo_Integration_ManualRetry(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		req := testutil.NewRunRequest().
			WithJobName("strategy_autotune").
			WithIdempotencyKey("model-7").
			WithMaxAttempts(1).
			Build()
		result, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.FailRetryable(context.Background(), core.FailRunParams{
			ID:         claimed.ID,
			Err:        model.RunError{Kind: "transient", Message: "boom"},
			RetryDelay: time.Minute,
		})
		require.NoError(t, err)
		require.True(t, ok)

		run, err := repo.GetByID(context.Background(), claimed.ID)
		require.NoError(t, err)
		require.Equal(t, model.RunStatusDeadLettered, run.Status)

		// Manual retry preserves the attempt count and re-holds the key
		retried, err := repo.Retry(context.Background(), claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPending, retried.Status)
		assert.Equal(t, 1, retried.AttemptCount)

		dup, err := repo.Enqueue(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, result.Run.ID, dup.Run.ID)

		// The re-admitted run is immediately claimable and dead-letters again
		// on its next transient failure because the budget is already spent
		claimed2, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, result.Run.ID, claimed2.ID)
		assert.Equal(t, 1, claimed2.AttemptCount)

		ok, err = repo.FailRetryable(context.Background(), core.FailRunParams{
			ID:         claimed2.ID,
			Err:        model.RunError{Kind: "transient", Message: "boom again"},
			RetryDelay: time.Minute,
		})
		require.NoError(t, err)
		require.True(t, ok)

		final, err := repo.GetByID(context.Background(), claimed2.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDeadLettered, final.Status)
	})
}

// TestJobRunRepo_Integration_RetryRejectsWrongStatus tests the manual retry guards.
func TestJobRunRepo_Integration_RetryRejectsWrongStatus(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		result, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
		require.NoError(t, err)

		// Pending is not retryable
		_, err = repo.Retry(context.Background(), result.Run.ID)
		require.ErrorIs(t, err, model.ErrRunNotRetryable)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.Complete(context.Background(), core.CompleteRunParams{ID: claimed.ID})
		require.NoError(t, err)
		require.True(t, ok)

		// Completed is not retryable either
		_, err = repo.Retry(context.Background(), claimed.ID)
		require.ErrorIs(t, err, model.ErrRunNotRetryable)

		// Unknown run
		_, err = repo.Retry(context.Background(), "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, model.ErrRunNotFound)
	})
}

// TestJobRunRepo_Integration_RetryRejectsTakenKey tests that a dead_lettered
// run whose key was re-enqueued in the meantime cannot be re-admitted.
func TestJobRunRepo_Integration_RetryRejectsTakenKey(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		first, err := repo.Enqueue(context.Background(), testutil.NewRunRequest().
			WithJobName("strategy_autotune").
			WithIdempotencyKey("model-9").
			WithMaxAttempts(1).
			Build())
		require.NoError(t, err)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.FailRetryable(context.Background(), core.FailRunParams{
			ID:         claimed.ID,
			Err:        model.RunError{Kind: "transient", Message: "boom"},
			RetryDelay: time.Minute,
		})
		require.NoError(t, err)
		require.True(t, ok)

		// Dead-lettering released the key; a producer takes it for a new run
		second, err := repo.Enqueue(context.Background(), testutil.IdempotentRunRequest("strategy_autotune", "model-9"))
		require.NoError(t, err)
		require.False(t, second.Duplicate)

		// Re-admitting the dead_lettered run would put two live runs on the key
		_, err = repo.Retry(context.Background(), first.Run.ID)
		require.ErrorIs(t, err, model.ErrRunKeyHeld)

		// The rejected retry rolled back: the run stays dead_lettered
		run, err := repo.GetByID(context.Background(), first.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusDeadLettered, run.Status)

		// Once the new run finishes its lifecycle and frees the key, the
		// dead_lettered run can be re-admitted again
		claimed2, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		require.Equal(t, second.Run.ID, claimed2.ID)
		ok, err = repo.FailPermanent(context.Background(), core.FailRunParams{
			ID:  claimed2.ID,
			Err: model.RunError{Kind: "permanent", Message: "bad model"},
		})
		require.NoError(t, err)
		require.True(t, ok)

		retried, err := repo.Retry(context.Background(), first.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPending, retried.Status)
	})
}

// TestJobRunRepo_Integration_ListAndStats tests the query surface with filters.
func TestJobRunRepo_Integration_ListAndStats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		for range 3 {
			_, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("holdings_sync"))
			require.NoError(t, err)
		}
		other, err := repo.Enqueue(context.Background(), testutil.ImmediateRunRequest("suggestion_generation"))
		require.NoError(t, err)

		claimed, err := repo.ClaimNextDue(context.Background())
		require.NoError(t, err)
		ok, err := repo.Complete(context.Background(), core.CompleteRunParams{ID: claimed.ID})
		require.NoError(t, err)
		require.True(t, ok)

		all, err := repo.List(context.Background(), &model.RunListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		pending := model.RunStatusPending
		pendingRuns, err := repo.List(context.Background(), &model.RunListOptions{Status: &pending})
		require.NoError(t, err)
		assert.Len(t, pendingRuns, 3)

		name := "suggestion_generation"
		byName, err := repo.List(context.Background(), &model.RunListOptions{JobName: &name})
		require.NoError(t, err)
		require.Len(t, byName, 1)
		assert.Equal(t, other.Run.ID, byName[0].ID)

		limited, err := repo.List(context.Background(), &model.RunListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		stats, err := repo.Stats(context.Background(), model.RunStatsOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Pending)
		assert.Equal(t, 1, stats.Completed)
		assert.Zero(t, stats.Processing)
		assert.Zero(t, stats.DeadLettered)

		scoped, err := repo.Stats(context.Background(), model.RunStatsOptions{JobName: &name})
		require.NoError(t, err)
		assert.Equal(t, 1, scoped.Pending)
		assert.Zero(t, scoped.Completed)
	})
}

// TestJobRunRepo_Integration_EnqueueValidation tests request validation at the repo boundary.
func TestJobRunRepo_Integration_EnqueueValidation(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, RepoConfig{})

		tests := []struct {
			name string
			req  *model.EnqueueRunRequest
		}{
			{
				name: "missing job name",
				req:  &model.EnqueueRunRequest{Payload: json.RawMessage(`{}`)},
			},
			{
				name: "missing payload",
				req:  &model.EnqueueRunRequest{JobName: "holdings_sync"},
			},
			{
				name: "blank idempotency key",
				req: &model.EnqueueRunRequest{
					JobName:        "holdings_sync",
					Payload:        json.RawMessage(`{}`),
					IdempotencyKey: testutil.StringPtr("   "),
				},
			},
			{
				name: "negative max attempts",
				req: &model.EnqueueRunRequest{
					JobName:     "holdings_sync",
					Payload:     json.RawMessage(`{}`),
					MaxAttempts: -1,
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := repo.Enqueue(context.Background(), tt.req)
				require.Error(t, err)
			})
		}
	})
}
