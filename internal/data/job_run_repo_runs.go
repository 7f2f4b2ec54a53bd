package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/quantfolio/jobs-api/internal/core"
	"github.com/quantfolio/jobs-api/internal/data/pgxutil"
	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// insertRunParams groups prepared values for inserting a run within a transaction.
type insertRunParams struct {
	ID             string
	JobName        string
	Payload        []byte
	IdempotencyKey *string
	MaxAttempts    int
	ScheduledFor   time.Time
	RunAfter       time.Time
}

// SQL used by ClaimNextDue to atomically claim the next due run. Due
// failed_retryable runs are claimed alongside pending ones; that is the
// automatic retry path for reaped runs. attempt_count is clamped so a
// manually re-admitted run that already spent its budget never exceeds it.
const claimNextDueSQL = `
  WITH cte AS (
    SELECT id FROM job_runs
    WHERE status IN ('pending', 'failed_retryable') AND run_after <= $1
    ORDER BY run_after ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE job_runs jr
  SET
    status = 'processing',
    started_at = $2,
    finished_at = NULL,
    duration_ms = NULL,
    attempt_count = LEAST(jr.attempt_count + 1, jr.max_attempts)
  FROM cte
  WHERE jr.id = cte.id
  RETURNING jr.id, jr.job_name, jr.status, jr.payload, jr.result, jr.error, jr.idempotency_key, jr.attempt_count, jr.max_attempts, jr.scheduled_for, jr.run_after, jr.created_at, jr.started_at, jr.finished_at, jr.duration_ms`

// Enqueue persists a new pending run, reserving its idempotency key first when
// one is supplied. A key already held by a live or completed run suppresses
// creation and the existing run is returned instead.
func (r *JobRunRepo) Enqueue(
	ctx context.Context,
	req *model.EnqueueRunRequest,
) (*model.EnqueueRunResult, error) {
	if req == nil {
		return nil, errors.New("enqueue run request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	params := r.prepareRunData(req)

	var result *model.EnqueueRunResult
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if params.IdempotencyKey != nil {
				existing, reserveErr := r.reserveKeyInTx(ctx, tx, params)
				if reserveErr != nil {
					return reserveErr
				}
				if existing != nil {
					result = &model.EnqueueRunResult{Run: existing, Duplicate: true}
					return nil
				}
			}

			run, insertErr := r.insertRunInTx(ctx, tx, params)
			if insertErr != nil {
				return insertErr
			}
			result = &model.EnqueueRunResult{Run: run}
			return nil
		},
	}); txErr != nil {
		return nil, txErr
	}

	return result, nil
}

// prepareRunData normalises an enqueue request into insert parameters.
func (r *JobRunRepo) prepareRunData(req *model.EnqueueRunRequest) *insertRunParams {
	now := r.timeProvider.Now().UTC()

	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	var key *string
	if req.IdempotencyKey != nil {
		k := strings.TrimSpace(*req.IdempotencyKey)
		key = &k
	}

	return &insertRunParams{
		ID:             uuid.NewString(),
		JobName:        strings.TrimSpace(req.JobName),
		Payload:        req.Payload,
		IdempotencyKey: key,
		MaxAttempts:    maxAttempts,
		ScheduledFor:   scheduledFor,
		// run_after starts at the requested occurrence time and is only
		// advanced from there by the retry path.
		RunAfter: scheduledFor,
	}
}

// reserveKeyInTx claims the (job_name, idempotency_key) reservation for a new
// run. When the key is already held it returns the run holding it; a stale
// reservation whose run disappeared is replaced.
func (r *JobRunRepo) reserveKeyInTx(
	ctx context.Context,
	tx pgx.Tx,
	params *insertRunParams,
) (*model.JobRun, error) {
	ct, err := tx.Exec(ctx, `
		INSERT INTO job_reservations (job_name, idempotency_key, run_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_name, idempotency_key) DO NOTHING
	`, params.JobName, *params.IdempotencyKey, params.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil, nil
	}

	var existingID string
	if err := tx.QueryRow(ctx, `
		SELECT run_id FROM job_reservations
		WHERE job_name = $1 AND idempotency_key = $2
	`, params.JobName, *params.IdempotencyKey).Scan(&existingID); err != nil {
		return nil, fmt.Errorf("look up reservation holder: %w", err)
	}

	existing, err := r.getByIDInTx(ctx, tx, existingID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Reservation points at a run the retention policy already removed.
	// Take the key over for the new run.
	if _, err := tx.Exec(ctx, `
		UPDATE job_reservations SET run_id = $3, created_at = now()
		WHERE job_name = $1 AND idempotency_key = $2
	`, params.JobName, *params.IdempotencyKey, params.ID); err != nil {
		return nil, fmt.Errorf("take over stale reservation: %w", err)
	}
	return nil, nil
}

// insertRunInTx inserts a run within a pgx.Tx and notifies waiting workers.
func (r *JobRunRepo) insertRunInTx(ctx context.Context, tx pgx.Tx, params *insertRunParams) (*model.JobRun, error) {
	rows, err := tx.Query(ctx, `
      INSERT INTO job_runs(id, job_name, status, payload, idempotency_key, max_attempts, scheduled_for, run_after)
      VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7)
      RETURNING `+runColumns,
		params.ID,
		params.JobName,
		params.Payload,
		params.IdempotencyKey,
		params.MaxAttempts,
		params.ScheduledFor,
		params.RunAfter,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	run, collectErr := collectRunFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect run: %w", collectErr)
	}

	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, runEnqueuedChannel, run.ID); execErr != nil {
		return nil, fmt.Errorf("send run notification: %w", execErr)
	}

	return run, nil
}

func (r *JobRunRepo) getByIDInTx(ctx context.Context, tx pgx.Tx, id string) (*model.JobRun, error) {
	rows, err := tx.Query(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()
	return collectRunFromRows(rows)
}

// collectRunFromRows collects a single run from pgx rows.
func collectRunFromRows(rows pgx.Rows) (*model.JobRun, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	run, err := scanRunFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return run, nil
}

type runRowScanner interface {
	Scan(dest ...any) error
}

type runRowData struct {
	payload, result, errJSON []byte
	idempotencyKey           sql.NullString
	startedAt, finishedAt    sql.NullTime
	durationMs               sql.NullInt64
}

func (d *runRowData) scanInto(scanner runRowScanner, run *model.JobRun) error {
	return scanner.Scan(
		&run.ID,
		&run.JobName,
		&run.Status,
		&d.payload,
		&d.result,
		&d.errJSON,
		&d.idempotencyKey,
		&run.AttemptCount,
		&run.MaxAttempts,
		&run.ScheduledFor,
		&run.RunAfter,
		&run.CreatedAt,
		&d.startedAt,
		&d.finishedAt,
		&d.durationMs,
	)
}

func (d *runRowData) apply(run *model.JobRun) error {
	run.Payload = cloneJSON(d.payload)
	if len(d.result) > 0 {
		run.Result = append(json.RawMessage(nil), d.result...)
	}
	if len(d.errJSON) > 0 {
		var runErr model.RunError
		if err := json.Unmarshal(d.errJSON, &runErr); err != nil {
			return fmt.Errorf("decode run error: %w", err)
		}
		run.Error = &runErr
	}
	run.IdempotencyKey = cloneNullableString(d.idempotencyKey)
	run.StartedAt = cloneNullableTime(d.startedAt)
	run.FinishedAt = cloneNullableTime(d.finishedAt)
	if d.durationMs.Valid {
		ms := d.durationMs.Int64
		run.DurationMs = &ms
	}
	return nil
}

func scanRunFromRow(scanner runRowScanner) (*model.JobRun, error) {
	run := &model.JobRun{}
	var data runRowData
	if err := data.scanInto(scanner, run); err != nil {
		return nil, err
	}

	if err := data.apply(run); err != nil {
		return nil, err
	}
	return run, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// ClaimNextDue claims the next due run for processing.
func (r *JobRunRepo) ClaimNextDue(ctx context.Context) (*model.JobRun, error) {
	var run *model.JobRun
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now().UTC()

			rows, qerr := tx.Query(ctx, claimNextDueSQL, currentTime, currentTime)
			if qerr != nil {
				return fmt.Errorf("claim run: %w", qerr)
			}
			defer rows.Close()

			claimed, cerr := collectRunFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoRunsDue
			}
			if cerr != nil {
				return fmt.Errorf("claim run: %w", cerr)
			}
			run = claimed
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoRunsDue) {
			return nil, model.ErrNoRunsDue
		}
		return nil, err
	}
	return run, nil
}

// Complete marks a processing run as completed with its result.
// The CAS on status guarantees a run reaped or re-claimed in the meantime is
// not overwritten; false reports the lost race.
func (r *JobRunRepo) Complete(ctx context.Context, params core.CompleteRunParams) (bool, error) {
	result := params.Result
	if len(result) == 0 {
		result = []byte(`{}`)
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'completed',
		    result = $2,
		    error = NULL,
		    finished_at = $3,
		    duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		WHERE id = $1 AND status = 'processing'
	`, params.ID, result, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FailRetryable records a recoverable failure. The retry decision is applied
// in the same CAS write: the run re-enters pending with run_after advanced by
// the supplied delay, or dead-letters when its attempt budget is spent. A
// dead-lettered run releases its idempotency reservation.
func (r *JobRunRepo) FailRetryable(ctx context.Context, params core.FailRunParams) (bool, error) {
	errJSON, err := json.Marshal(params.Err)
	if err != nil {
		return false, fmt.Errorf("encode run error: %w", err)
	}

	currentTime := r.timeProvider.Now().UTC()
	retryAfter := currentTime.Add(params.RetryDelay)

	var updated bool
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var status model.RunStatus
			err := tx.QueryRowContext(ctx, `
				UPDATE job_runs
				SET
				  error = $2,
				  result = NULL,
				  status = CASE WHEN attempt_count >= max_attempts THEN 'dead_lettered' ELSE 'pending' END,
				  run_after = CASE WHEN attempt_count >= max_attempts THEN run_after ELSE $3::timestamptz END,
				  finished_at = $4,
				  duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint
				WHERE id = $1 AND status = 'processing'
				RETURNING status
			`, params.ID, errJSON, retryAfter, currentTime).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fail run: %w", err)
			}
			updated = true

			if status == model.RunStatusDeadLettered {
				return releaseReservationInTx(ctx, tx, params.ID)
			}
			return nil
		},
	})
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}

// FailPermanent records a non-recoverable failure, bypassing the retry budget,
// and releases the run's idempotency reservation.
func (r *JobRunRepo) FailPermanent(ctx context.Context, params core.FailRunParams) (bool, error) {
	errJSON, err := json.Marshal(params.Err)
	if err != nil {
		return false, fmt.Errorf("encode run error: %w", err)
	}

	currentTime := r.timeProvider.Now().UTC()

	var updated bool
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE job_runs
				SET status = 'failed',
				    error = $2,
				    result = NULL,
				    finished_at = $3,
				    duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
				WHERE id = $1 AND status = 'processing'
			`, params.ID, errJSON, currentTime)
			if err != nil {
				return fmt.Errorf("fail run permanently: %w", err)
			}
			rowsAffected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("fail rows affected: %w", err)
			}
			if rowsAffected == 0 {
				return nil
			}
			updated = true
			return releaseReservationInTx(ctx, tx, params.ID)
		},
	})
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}

// errRetryMiss distinguishes a failed retry CAS from other transaction errors.
var errRetryMiss = errors.New("retry update matched no rows")

// errRetryKeyHeld marks a rolled-back retry whose idempotency key is now
// bound to a different run.
var errRetryKeyHeld = errors.New("idempotency key held by another run")

// Retry re-admits a failed_retryable or dead_lettered run as pending with an
// immediate run_after, preserving attempt_count. Returns ErrRunNotFound or
// ErrRunNotRetryable when the run cannot be re-admitted, and ErrRunKeyHeld
// when its idempotency key has since been taken by another run.
func (r *JobRunRepo) Retry(ctx context.Context, id string) (*model.JobRun, error) {
	currentTime := r.timeProvider.Now().UTC()

	var run *model.JobRun
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				UPDATE job_runs
				SET status = 'pending', run_after = $2
				WHERE id = $1 AND status IN ('failed_retryable', 'dead_lettered')
				RETURNING `+runColumns,
				id, currentTime)

			updated, scanErr := scanRunFromRow(row)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return errRetryMiss
			}
			if scanErr != nil {
				return fmt.Errorf("retry run: %w", scanErr)
			}

			// A failed_retryable run still holds its key; a dead_lettered run
			// released it and a later enqueue may have taken it over. The no-op
			// conflict update returns whoever holds the key now, and a foreign
			// holder aborts the re-admission so the pair never carries two
			// claimable runs.
			if updated.IdempotencyKey != nil {
				var holderID string
				if err := tx.QueryRowContext(ctx, `
					INSERT INTO job_reservations (job_name, idempotency_key, run_id)
					VALUES ($1, $2, $3)
					ON CONFLICT (job_name, idempotency_key) DO UPDATE SET run_id = job_reservations.run_id
					RETURNING run_id
				`, updated.JobName, *updated.IdempotencyKey, updated.ID).Scan(&holderID); err != nil {
					return fmt.Errorf("re-reserve idempotency key: %w", err)
				}
				if holderID != updated.ID {
					return errRetryKeyHeld
				}
			}

			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, runEnqueuedChannel, updated.ID); err != nil {
				return fmt.Errorf("send run notification: %w", err)
			}

			run = updated
			return nil
		},
	})
	if errors.Is(txErr, errRetryMiss) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, model.ErrRunNotRetryable
	}
	if errors.Is(txErr, errRetryKeyHeld) {
		return nil, model.ErrRunKeyHeld
	}
	if txErr != nil {
		return nil, txErr
	}
	return run, nil
}

func releaseReservationInTx(ctx context.Context, tx *sql.Tx, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_reservations WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("release idempotency reservation: %w", err)
	}
	return nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new runs are claimable.
func (r *JobRunRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{runEnqueuedChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", runEnqueuedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a run by its ID.
func (r *JobRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	var run *model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+runColumns+`
			FROM job_runs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		run, err = collectRunFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
