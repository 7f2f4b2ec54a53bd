// Package testutil provides testing utilities and helpers for the job engine.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// RunRequestBuilder provides a fluent interface for building EnqueueRunRequest objects for testing.
type RunRequestBuilder struct {
	req *model.EnqueueRunRequest
}

// NewRunRequest creates a new RunRequestBuilder with sensible defaults.
func NewRunRequest() *RunRequestBuilder {
	return &RunRequestBuilder{
		req: &model.EnqueueRunRequest{
			JobName:     "holdings_sync",
			Payload:     json.RawMessage(`{"account_id": "acct-1"}`),
			MaxAttempts: 3,
		},
	}
}

// WithJobName sets the job name.
func (b *RunRequestBuilder) WithJobName(name string) *RunRequestBuilder {
	b.req.JobName = name
	return b
}

// WithPayload sets the run payload.
func (b *RunRequestBuilder) WithPayload(payload json.RawMessage) *RunRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the run payload from a string.
func (b *RunRequestBuilder) WithPayloadString(payload string) *RunRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithIdempotencyKey sets the idempotency key.
func (b *RunRequestBuilder) WithIdempotencyKey(key string) *RunRequestBuilder {
	b.req.IdempotencyKey = &key
	return b
}

// WithMaxAttempts sets the maximum number of attempts.
func (b *RunRequestBuilder) WithMaxAttempts(maxAttempts int) *RunRequestBuilder {
	b.req.MaxAttempts = maxAttempts
	return b
}

// WithScheduledFor schedules the run for a future time.
func (b *RunRequestBuilder) WithScheduledFor(at time.Time) *RunRequestBuilder {
	b.req.ScheduledFor = &at
	return b
}

// Build returns the constructed EnqueueRunRequest.
func (b *RunRequestBuilder) Build() *model.EnqueueRunRequest {
	return b.req
}

// Common test run request presets.

// ImmediateRunRequest creates a run request that is due immediately.
func ImmediateRunRequest(jobName string) *model.EnqueueRunRequest {
	return NewRunRequest().
		WithJobName(jobName).
		Build()
}

// ScheduledRunRequest creates a run request scheduled for the future.
func ScheduledRunRequest(jobName string, at time.Time) *model.EnqueueRunRequest {
	return NewRunRequest().
		WithJobName(jobName).
		WithScheduledFor(at).
		Build()
}

// IdempotentRunRequest creates a run request carrying an idempotency key.
func IdempotentRunRequest(jobName, key string) *model.EnqueueRunRequest {
	return NewRunRequest().
		WithJobName(jobName).
		WithIdempotencyKey(key).
		Build()
}

// SingleAttemptRunRequest creates a run request that dead-letters on first transient failure.
func SingleAttemptRunRequest(jobName string) *model.EnqueueRunRequest {
	return NewRunRequest().
		WithJobName(jobName).
		WithMaxAttempts(1).
		Build()
}
