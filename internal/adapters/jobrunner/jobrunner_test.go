package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quantfolio/jobs-api/internal/core"
	domainjob "github.com/quantfolio/jobs-api/internal/domain/job"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	"github.com/quantfolio/jobs-api/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// jitterFreePolicy makes backoff delays deterministic for assertions.
func jitterFreePolicy(t *testing.T) *domainjob.RetryPolicy {
	t.Helper()
	policy, err := domainjob.NewRetryPolicy(domainjob.RetryPolicyOptions{
		Base:           10 * time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0,
	})
	require.NoError(t, err)
	return policy
}

func newTestRunner(t *testing.T, repo *mocks.MockJobRunRepository) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerOptions{
		RunsRepo:    repo,
		RetryPolicy: jitterFreePolicy(t),
	})
	require.NoError(t, err)
	return r
}

func processingRun(attempt, maxAttempts int) *model.JobRun {
	return &model.JobRun{
		ID:           "run-1",
		JobName:      "holdings_sync",
		Status:       model.RunStatusProcessing,
		Payload:      json.RawMessage(`{"account_id": "acct-1"}`),
		AttemptCount: attempt,
		MaxAttempts:  maxAttempts,
	}
}

func TestNewRunner_RequiresRepoOrDB(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}

func TestRunner_ProcessRun_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		assert.Equal(t, "run-1", run.ID)
		return json.RawMessage(`{"synced": 5}`), nil
	})

	repo.EXPECT().
		Complete(gomock.Any(), core.CompleteRunParams{ID: "run-1", Result: []byte(`{"synced": 5}`)}).
		Return(true, nil)

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_ProcessRun_NoHandlerFailsPermanently(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	repo.EXPECT().
		FailPermanent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailRunParams) (bool, error) {
			assert.Equal(t, "run-1", params.ID)
			assert.Equal(t, "permanent", params.Err.Kind)
			assert.Contains(t, params.Err.Message, "no handler registered")
			return true, nil
		})

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_ProcessRun_TransientFailureReschedules(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return nil, domainjob.Transient(errors.New("upstream unavailable"))
	})

	// attempt 2 of 3: backoff is base * 2^(2-1) with no jitter
	repo.EXPECT().
		FailRetryable(gomock.Any(), core.FailRunParams{
			ID:         "run-1",
			Err:        model.RunError{Kind: "transient", Message: "transient: upstream unavailable"},
			RetryDelay: 20 * time.Second,
		}).
		Return(true, nil)

	r.processRun(context.Background(), processingRun(2, 3))
}

func TestRunner_ProcessRun_UnclassifiedErrorIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})

	repo.EXPECT().
		FailRetryable(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailRunParams) (bool, error) {
			assert.Equal(t, "transient", params.Err.Kind)
			return true, nil
		})

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_ProcessRun_PermanentFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return nil, domainjob.Permanentf("payload rejected: %s", "bad schema")
	})

	repo.EXPECT().
		FailPermanent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailRunParams) (bool, error) {
			assert.Equal(t, "permanent", params.Err.Kind)
			assert.Contains(t, params.Err.Message, "payload rejected")
			return true, nil
		})

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_ProcessRun_FinalAttemptDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return nil, domainjob.Transient(errors.New("still broken"))
	})

	// Budget spent: the decision carries no delay, the store dead-letters
	repo.EXPECT().
		FailRetryable(gomock.Any(), core.FailRunParams{
			ID:         "run-1",
			Err:        model.RunError{Kind: "transient", Message: "transient: still broken"},
			RetryDelay: 0,
		}).
		Return(true, nil)

	r.processRun(context.Background(), processingRun(3, 3))
}

func TestRunner_ProcessRun_LostCompletionCAS(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r := newTestRunner(t, repo)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	// Reaper recovered the run mid-flight: the write misses, nothing else happens
	repo.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(false, nil)

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_ProcessRun_HandlerTimeoutIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r, err := NewRunner(RunnerOptions{
		RunsRepo:    repo,
		RetryPolicy: jitterFreePolicy(t),
		ExecTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	repo.EXPECT().
		FailRetryable(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.FailRunParams) (bool, error) {
			assert.Equal(t, "transient", params.Err.Kind)
			return true, nil
		})

	r.processRun(context.Background(), processingRun(1, 3))
}

func TestRunner_Run_ProcessesThenStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r, err := NewRunner(RunnerOptions{
		RunsRepo:     repo,
		RetryPolicy:  jitterFreePolicy(t),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	processed := make(chan struct{})
	r.Register("holdings_sync", func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	// The service's notifier listens on the repo while the runner is up
	repo.EXPECT().
		WaitForNotification(gomock.Any()).
		DoAndReturn(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		AnyTimes()

	gomock.InOrder(
		repo.EXPECT().ClaimNextDue(gomock.Any()).Return(processingRun(1, 3), nil),
		repo.EXPECT().ClaimNextDue(gomock.Any()).Return(nil, model.ErrNoRunsDue).AnyTimes(),
	)
	repo.EXPECT().
		Complete(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, core.CompleteRunParams) (bool, error) {
			close(processed)
			return true, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not processed")
	}

	cancel()
	select {
	case runErr := <-done:
		require.NoError(t, runErr, "graceful shutdown should not be an error")
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}

func TestRunner_Run_FatalClaimErrorStopsWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockJobRunRepository(ctrl)
	r, err := NewRunner(RunnerOptions{
		RunsRepo:    repo,
		RetryPolicy: jitterFreePolicy(t),
		Concurrency: 2,
	})
	require.NoError(t, err)

	repo.EXPECT().
		WaitForNotification(gomock.Any()).
		DoAndReturn(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		AnyTimes()
	repo.EXPECT().
		ClaimNextDue(gomock.Any()).
		Return(nil, errors.New("connection refused")).
		MinTimes(1)
	// Workers cancelled by the first fatal error may observe the context error
	repo.EXPECT().
		ClaimNextDue(gomock.Any()).
		Return(nil, context.Canceled).
		AnyTimes()

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim next due")
}
