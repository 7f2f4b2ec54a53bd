// Package model defines the core data types and structures used throughout the quantfolio job engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the current lifecycle status of a job run.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type RunStatus string

const (
	// RunStatusPending indicates a run is waiting to be claimed.
	RunStatusPending RunStatus = "pending"
	// RunStatusProcessing indicates a run has been claimed by a worker.
	RunStatusProcessing RunStatus = "processing"
	// RunStatusCompleted indicates a run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a run failed permanently and will not be retried automatically.
	RunStatusFailed RunStatus = "failed"
	// RunStatusFailedRetryable indicates a run failed but remains eligible for retry once run_after elapses.
	RunStatusFailedRetryable RunStatus = "failed_retryable"
	// RunStatusDeadLettered indicates a run exhausted its attempt budget.
	RunStatusDeadLettered RunStatus = "dead_lettered"
)

// UnmarshalText implements encoding.TextUnmarshaler for RunStatus to allow query/env parsing.
func (s *RunStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	rs := RunStatus(v)
	if rs.Valid() {
		*s = rs
		return nil
	}
	return fmt.Errorf("invalid RunStatus: %q", v)
}

// Valid returns true if the RunStatus is one of the known lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusCompleted,
		RunStatusFailed, RunStatusFailedRetryable, RunStatusDeadLettered:
		return true
	}
	return false
}

// Retryable returns true if an operator may manually re-admit a run in this status.
func (s RunStatus) Retryable() bool {
	return s == RunStatusFailedRetryable || s == RunStatusDeadLettered
}

var (
	// ErrNoRunsDue is returned when no runs are due for claiming.
	ErrNoRunsDue = errors.New("no runs due")
	// ErrRunNotFound is returned when a job run does not exist.
	ErrRunNotFound = errors.New("job run not found")
	// ErrRunNotRetryable is returned when a manual retry targets a run that is
	// not in failed_retryable or dead_lettered status.
	ErrRunNotRetryable = errors.New("job run is not in a retryable status")
	// ErrRunKeyHeld is returned when a manual retry would re-admit a run whose
	// idempotency key has since been taken by another run.
	ErrRunKeyHeld = errors.New("job run idempotency key is held by another run")
)

const (
	// DefaultMaxAttempts is the attempt budget applied when an enqueue request leaves it unset.
	DefaultMaxAttempts = 3
	// MaxJobNameLength bounds job_name so it stays usable as a notification channel suffix.
	MaxJobNameLength = 128
	// MaxIdempotencyKeyLength bounds producer-supplied idempotency keys.
	MaxIdempotencyKeyLength = 255
)

// RunError is the structured failure detail recorded on failed, failed_retryable
// and dead_lettered runs.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobRun represents one attempt-tracking record for an enqueued unit of work.
type JobRun struct {
	ID             string          `json:"id"                        db:"id"`
	JobName        string          `json:"job_name"                  db:"job_name"`
	Status         RunStatus       `json:"status"                    db:"status"`
	Payload        json.RawMessage `json:"payload"                   db:"payload"`
	Result         json.RawMessage `json:"result,omitempty"          db:"result"`
	Error          *RunError       `json:"error,omitempty"           db:"error"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	AttemptCount   int             `json:"attempt_count"             db:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"              db:"max_attempts"`
	ScheduledFor   time.Time       `json:"scheduled_for"             db:"scheduled_for"`
	RunAfter       time.Time       `json:"run_after"                 db:"run_after"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"      db:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"     db:"finished_at"`
	DurationMs     *int64          `json:"duration_ms,omitempty"     db:"duration_ms"`
}

// EnqueueRunRequest represents a producer request to enqueue a new job run.
type EnqueueRunRequest struct {
	JobName        string          `json:"job_name"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
}

// Validate validates the EnqueueRunRequest fields.
func (r *EnqueueRunRequest) Validate() error {
	name := strings.TrimSpace(r.JobName)
	if name == "" {
		return errors.New("job_name is required")
	}
	if len(name) > MaxJobNameLength {
		return fmt.Errorf("job_name must be at most %d characters", MaxJobNameLength)
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max_attempts must be >= 0")
	}
	if r.IdempotencyKey != nil {
		key := strings.TrimSpace(*r.IdempotencyKey)
		if key == "" {
			return errors.New("idempotency_key must not be blank when provided")
		}
		if len(key) > MaxIdempotencyKeyLength {
			return fmt.Errorf("idempotency_key must be at most %d characters", MaxIdempotencyKeyLength)
		}
	}
	return nil
}

// RunStats represents counts of runs per lifecycle status.
type RunStats struct {
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	FailedRetryable int `json:"failed_retryable"`
	DeadLettered    int `json:"dead_lettered"`
}

// EnqueueRunResult pairs the persisted run with a flag indicating whether the
// idempotency index suppressed creation and returned an existing run instead.
type EnqueueRunResult struct {
	Run       *JobRun `json:"run"`
	Duplicate bool    `json:"duplicate"`
}
