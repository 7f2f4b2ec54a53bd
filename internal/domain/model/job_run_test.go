package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Valid(t *testing.T) {
	valid := []RunStatus{
		RunStatusPending,
		RunStatusProcessing,
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusFailedRetryable,
		RunStatusDeadLettered,
	}
	for _, s := range valid {
		assert.True(t, s.Valid(), "expected %q to be valid", s)
	}

	assert.False(t, RunStatus("running").Valid())
	assert.False(t, RunStatus("").Valid())
}

func TestRunStatus_UnmarshalText(t *testing.T) {
	var s RunStatus
	require.NoError(t, s.UnmarshalText([]byte("  Dead_Lettered ")))
	assert.Equal(t, RunStatusDeadLettered, s)

	err := s.UnmarshalText([]byte("bogus"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid RunStatus")
}

func TestRunStatus_Retryable(t *testing.T) {
	assert.True(t, RunStatusFailedRetryable.Retryable())
	assert.True(t, RunStatusDeadLettered.Retryable())
	assert.False(t, RunStatusPending.Retryable())
	assert.False(t, RunStatusProcessing.Retryable())
	assert.False(t, RunStatusCompleted.Retryable())
	assert.False(t, RunStatusFailed.Retryable())
}

func TestEnqueueRunRequest_Validate(t *testing.T) {
	blank := " "
	longKey := strings.Repeat("k", MaxIdempotencyKeyLength+1)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		req     EnqueueRunRequest
		wantErr string
	}{
		{
			name: "valid minimal",
			req: EnqueueRunRequest{
				JobName: "holdings_sync",
				Payload: json.RawMessage(`{"account_id":"a1"}`),
			},
		},
		{
			name: "valid with all fields",
			req: EnqueueRunRequest{
				JobName:        "suggestion_generation",
				Payload:        json.RawMessage(`{}`),
				IdempotencyKey: strPtr("cycle-2026-08-30"),
				MaxAttempts:    5,
				ScheduledFor:   &future,
			},
		},
		{
			name:    "missing job_name",
			req:     EnqueueRunRequest{Payload: json.RawMessage(`{}`)},
			wantErr: "job_name is required",
		},
		{
			name: "job_name too long",
			req: EnqueueRunRequest{
				JobName: strings.Repeat("x", MaxJobNameLength+1),
				Payload: json.RawMessage(`{}`),
			},
			wantErr: "job_name must be at most",
		},
		{
			name:    "missing payload",
			req:     EnqueueRunRequest{JobName: "holdings_sync"},
			wantErr: "payload is required",
		},
		{
			name: "negative max_attempts",
			req: EnqueueRunRequest{
				JobName:     "holdings_sync",
				Payload:     json.RawMessage(`{}`),
				MaxAttempts: -1,
			},
			wantErr: "max_attempts must be >= 0",
		},
		{
			name: "blank idempotency key",
			req: EnqueueRunRequest{
				JobName:        "holdings_sync",
				Payload:        json.RawMessage(`{}`),
				IdempotencyKey: &blank,
			},
			wantErr: "idempotency_key must not be blank",
		},
		{
			name: "idempotency key too long",
			req: EnqueueRunRequest{
				JobName:        "holdings_sync",
				Payload:        json.RawMessage(`{}`),
				IdempotencyKey: &longKey,
			},
			wantErr: "idempotency_key must be at most",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func strPtr(s string) *string { return &s }
