// Package jobrunner provides run execution and worker management functionality for the job engine.
package jobrunner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/data"
	domainjob "github.com/quantfolio/jobs-api/internal/domain/job"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	obserrors "github.com/quantfolio/jobs-api/internal/observability/errors"
	"github.com/quantfolio/jobs-api/internal/observability/metrics"
	"github.com/quantfolio/jobs-api/internal/observability/statsd"
	"github.com/quantfolio/jobs-api/internal/service"
)

// HandlerFunc executes one run attempt and returns the result payload.
// A returned error is classified via the domain error taxonomy: transient
// errors consume an attempt and reschedule, permanent errors fail the run
// outright. Unclassified errors are treated as transient.
type HandlerFunc func(ctx context.Context, run *model.JobRun) (json.RawMessage, error)

// Defaults applied when RunnerOptions leaves the corresponding field unset.
const (
	DefaultExecTimeout  = 5 * time.Minute
	DefaultPollInterval = 15 * time.Second
)

// RunnerOptions configures the run executor adapter.
type RunnerOptions struct {
	DB         *sql.DB
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Run processing settings
	Concurrency  int           // number of worker goroutines; defaults to 1
	ExecTimeout  time.Duration // per-attempt execution budget; defaults to DefaultExecTimeout
	PollInterval time.Duration // claim retry cadence when notifications are missed; defaults to DefaultPollInterval

	// RetryPolicy computes backoff for recoverable failures. Defaults are
	// applied when nil.
	RetryPolicy *domainjob.RetryPolicy

	// Optional dependency injections (useful for tests/decoupling)
	RunsRepo core.JobRunRepository
	Metrics  statsd.Sink
}

// Runner pulls due runs and executes them using registered handlers.
type Runner struct {
	runs        core.JobRunRepository
	svc         *service.JobRunService
	retryPolicy *domainjob.RetryPolicy
	http        *http.Client
	logger      *slog.Logger
	execTimeout time.Duration
	poll        time.Duration
	workers     int
	metrics     statsd.Sink

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func resolveHTTPClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// NewRunner wires repositories/services and constructs a run executor.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.RunsRepo == nil {
		return nil, errors.New("either DB or RunsRepo must be provided")
	}

	logger := resolveLogger(opts.Logger)

	repo := opts.RunsRepo
	if repo == nil {
		repo = data.NewJobRunRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}

	svc, err := service.NewJobRunService(service.JobRunServiceOptions{
		Repo:   repo,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create run service: %w", err)
	}

	policy := opts.RetryPolicy
	if policy == nil {
		policy, err = domainjob.NewRetryPolicy(domainjob.RetryPolicyOptions{
			Base:           domainjob.DefaultBaseDelay,
			MaxDelay:       domainjob.DefaultMaxDelay,
			JitterFraction: domainjob.DefaultJitterFraction,
		})
		if err != nil {
			return nil, fmt.Errorf("create retry policy: %w", err)
		}
	}

	execTimeout := opts.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	r := &Runner{
		runs:        repo,
		svc:         svc,
		retryPolicy: policy,
		http:        resolveHTTPClient(opts.HTTPClient),
		logger:      logger.With("component", "job_runner"),
		execTimeout: execTimeout,
		poll:        poll,
		workers:     workers,
		metrics:     opts.Metrics,
		handlers:    make(map[string]HandlerFunc),
	}
	return r, nil
}

// HTTPClient returns the shared outbound client for handlers that call
// external services.
func (r *Runner) HTTPClient() *http.Client {
	return r.http
}

// Register binds a handler to a job name, replacing any previous binding.
func (r *Runner) Register(jobName string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobName] = h
}

func (r *Runner) handlerFor(jobName string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobName]
	return h, ok
}

// Run starts worker goroutines and processes runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting run executor",
		"workers", r.workers,
		"exec_timeout", r.execTimeout,
		"poll_interval", r.poll,
	)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, notify := r.svc.Subscribe()
	defer unsub()
	defer r.svc.StopAllListeners()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		run, err := r.runs.ClaimNextDue(ctx)
		switch {
		case err == nil:
			r.processRun(ctx, run)
		case errors.Is(err, model.ErrNoRunsDue):
			if !r.waitForWork(ctx, notify) {
				return nil
			}
		case isContextErr(err):
			return nil
		default:
			return fmt.Errorf("claim next due: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until a notification, the poll interval, or shutdown.
// The poll fallback covers runs becoming due by run_after elapsing, which
// produces no notification.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processRun(ctx context.Context, run *model.JobRun) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitRunLifecycle(r.metrics, metrics.RunMetric{
			JobName:    run.JobName,
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	h, ok := r.handlerFor(run.JobName)
	if !ok {
		err := fmt.Errorf("no handler registered for job %s", run.JobName)
		r.failPermanent(ctx, run, err)
		emit("failed", metrics.ResultError, err)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	result, execErr := h(execCtx, run)
	cancel()

	if execErr != nil {
		r.recordFailure(ctx, run, execErr)
		emit("failed", metrics.ResultError, execErr)
		return
	}

	updated, err := r.runs.Complete(ctx, core.CompleteRunParams{ID: run.ID, Result: result})
	if err != nil {
		r.logger.ErrorContext(ctx, "complete run error", "run_id", run.ID, "error", err)
		emit("completed", metrics.ResultError, err)
		return
	}
	if !updated {
		// Lost the CAS: the reaper recovered this run mid-flight.
		r.logger.WarnContext(ctx, "run no longer processing on completion", "run_id", run.ID)
		emit("completed", metrics.ResultNoop, nil)
		return
	}
	emit("completed", metrics.ResultSuccess, nil)
}

// recordFailure applies the error taxonomy: permanent errors fail the run
// outright, everything else consumes the attempt and reschedules (or
// dead-letters once the budget is spent).
func (r *Runner) recordFailure(ctx context.Context, run *model.JobRun, execErr error) {
	class := domainjob.Classify(execErr)
	if class == domainjob.ErrorClassPermanent {
		r.failPermanent(ctx, run, execErr)
		return
	}

	decision := r.retryPolicy.Decide(run.AttemptCount, run.MaxAttempts)
	updated, err := r.runs.FailRetryable(ctx, core.FailRunParams{
		ID:         run.ID,
		Err:        model.RunError{Kind: string(class), Message: execErr.Error()},
		RetryDelay: decision.Delay,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail run error",
			"run_id", run.ID,
			"error", err,
			"original_error", execErr,
		)
		return
	}
	if !updated {
		r.logger.WarnContext(ctx, "run no longer processing on failure", "run_id", run.ID)
		return
	}

	r.logger.InfoContext(ctx, "run attempt failed",
		"run_id", run.ID,
		"job_name", run.JobName,
		"attempt_count", run.AttemptCount,
		"max_attempts", run.MaxAttempts,
		"dead_letter", decision.DeadLetter(),
		"retry_delay", decision.Delay,
		"error_class", obserrors.Classify(execErr),
		"error", execErr,
	)
}

func (r *Runner) failPermanent(ctx context.Context, run *model.JobRun, execErr error) {
	updated, err := r.runs.FailPermanent(ctx, core.FailRunParams{
		ID:  run.ID,
		Err: model.RunError{Kind: string(domainjob.ErrorClassPermanent), Message: execErr.Error()},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail run permanently error",
			"run_id", run.ID,
			"error", err,
			"original_error", execErr,
		)
		return
	}
	if !updated {
		r.logger.WarnContext(ctx, "run no longer processing on permanent failure", "run_id", run.ID)
		return
	}

	r.logger.InfoContext(ctx, "run failed permanently",
		"run_id", run.ID,
		"job_name", run.JobName,
		"error", execErr,
	)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
