package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/data/pgxutil"
	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for job engine reaper operations.
const (
	advisoryLockReaperMajor       = 1000
	advisoryLockReaperReapStalled = 1 // minor key for ReapStalled
	advisoryLockReaperDelete      = 2 // minor key for DeleteOldRuns
)

// ReapStalled recovers processing runs whose started_at predates the
// execution-timeout ceiling. Such runs belong to workers that died without
// reporting an outcome. Runs with remaining attempt budget become
// failed_retryable with run_after pushed out by the attempt-indexed backoff
// (base * 2^(attempt_count-1), capped); they keep their idempotency
// reservation so a concurrent enqueue with the same key replays the run
// instead of creating a second claimable one. Exhausted runs are
// dead-lettered and release their reservation.
// Processes up to batchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of runs reaped.
func (r *JobRunRepo) ReapStalled(ctx context.Context, params core.ReapStalledParams) (int64, error) {
	if params.ProcessingTimeout <= 0 {
		return 0, errors.New("processing timeout must be greater than zero")
	}
	if params.RetryBase <= 0 {
		return 0, errors.New("retry base delay must be greater than zero")
	}
	if params.RetryMaxDelay < params.RetryBase {
		return 0, errors.New("retry max delay must be at least the base delay")
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	errJSON, err := json.Marshal(model.RunError{
		Kind:    "transient",
		Message: "run timed out in processing status",
	})
	if err != nil {
		return 0, fmt.Errorf("encode run error: %w", err)
	}

	var reaped int64
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperReapStalled).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				reaped = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			cutoffTime := currentTime.Add(-params.ProcessingTimeout)

			err := tx.QueryRowContext(ctx, `
				WITH stalled AS (
					SELECT id FROM job_runs
					WHERE status = 'processing'
					  AND started_at < $1
					ORDER BY started_at
					LIMIT $2
					FOR UPDATE SKIP LOCKED
				), reaped AS (
					UPDATE job_runs jr
					SET status = CASE WHEN jr.attempt_count >= jr.max_attempts THEN 'dead_lettered' ELSE 'failed_retryable' END,
					    error = $3,
					    result = NULL,
					    run_after = CASE WHEN jr.attempt_count >= jr.max_attempts THEN jr.run_after
					                ELSE $4::timestamptz + make_interval(secs =>
					                  LEAST($5::double precision * power(2, GREATEST(jr.attempt_count, 1) - 1), $6::double precision)) END,
					    finished_at = $4,
					    duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - jr.started_at)) * 1000)::bigint
					FROM stalled s
					WHERE jr.id = s.id
					RETURNING jr.id, jr.status
				), released AS (
					DELETE FROM job_reservations res
					USING reaped
					WHERE res.run_id = reaped.id AND reaped.status = 'dead_lettered'
				)
				SELECT COUNT(*) FROM reaped
			`, cutoffTime, params.BatchSize, errJSON, currentTime,
				params.RetryBase.Seconds(), params.RetryMaxDelay.Seconds()).Scan(&reaped)
			if err != nil {
				return fmt.Errorf("reap stalled runs: %w", err)
			}
			return nil
		},
	})
	if txErr != nil {
		return 0, txErr
	}
	return reaped, nil
}

// DeleteOldRuns deletes runs with the given status older than maxAge, together
// with their idempotency reservations.
// Processes up to batchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of runs deleted.
func (r *JobRunRepo) DeleteOldRuns(ctx context.Context, params core.DeleteOldRunsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid run status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge).UTC()

			res, err := tx.ExecContext(ctx, `
				WITH doomed AS (
					SELECT id FROM job_runs
					WHERE status = $1
					  AND COALESCE(finished_at, created_at) < $2
					ORDER BY COALESCE(finished_at, created_at)
					LIMIT $3
				), released AS (
					DELETE FROM job_reservations
					WHERE run_id IN (SELECT id FROM doomed)
				)
				DELETE FROM job_runs
				WHERE id IN (SELECT id FROM doomed)
			`, params.Status, cutoffTime, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old runs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
