package job

import (
	"errors"
	"math/rand/v2"
	"time"
)

var (
	// ErrInvalidBaseDelay indicates the configured base delay is not positive.
	ErrInvalidBaseDelay = errors.New("base delay must be positive")
	// ErrInvalidMaxDelay indicates the configured delay cap is below the base delay.
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	// ErrInvalidJitterFraction indicates the configured jitter fraction is outside [0, 1].
	ErrInvalidJitterFraction = errors.New("jitter fraction must be in [0, 1]")
)

// RetryOutcome identifies the state a failed run moves to next.
type RetryOutcome string

const (
	// RetryOutcomeRetry indicates the run is re-admitted with an advanced run_after.
	RetryOutcomeRetry RetryOutcome = "retry"
	// RetryOutcomeDeadLetter indicates the attempt budget is spent and the run is dead-lettered.
	RetryOutcomeDeadLetter RetryOutcome = "dead_letter"
)

// Defaults used when a policy is built without explicit tuning.
const (
	DefaultBaseDelay      = 30 * time.Second
	DefaultMaxDelay       = 15 * time.Minute
	DefaultJitterFraction = 0.2
)

// RetryPolicy computes backoff delays for failed runs: exponential in the
// attempt count, capped, with a random jitter fraction added on top to spread
// retries of simultaneously failing runs.
type RetryPolicy struct {
	base           time.Duration
	maxDelay       time.Duration
	jitterFraction float64
	randFloat      func() float64
}

// RetryPolicyOptions configure a RetryPolicy.
type RetryPolicyOptions struct {
	Base           time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	RandFloat      func() float64 // Optional: override the jitter source (tests)
}

// NewRetryPolicy constructs a RetryPolicy from the provided options.
func NewRetryPolicy(opts RetryPolicyOptions) (*RetryPolicy, error) {
	if opts.Base <= 0 {
		return nil, ErrInvalidBaseDelay
	}
	if opts.MaxDelay < opts.Base {
		return nil, ErrInvalidMaxDelay
	}
	if opts.JitterFraction < 0 || opts.JitterFraction > 1 {
		return nil, ErrInvalidJitterFraction
	}

	randFloat := opts.RandFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}

	return &RetryPolicy{
		base:           opts.Base,
		maxDelay:       opts.MaxDelay,
		jitterFraction: opts.JitterFraction,
		randFloat:      randFloat,
	}, nil
}

// RetryDecision captures the outcome of resolving a recoverable failure.
type RetryDecision struct {
	Outcome RetryOutcome
	Delay   time.Duration
}

// DeadLetter reports whether the run should be dead-lettered.
func (d RetryDecision) DeadLetter() bool {
	return d.Outcome == RetryOutcomeDeadLetter
}

// Decide resolves the next state for a run that just failed recoverably.
// attemptCount is the number of attempts already begun, including the one
// that failed.
func (p *RetryPolicy) Decide(attemptCount, maxAttempts int) RetryDecision {
	if attemptCount >= maxAttempts {
		return RetryDecision{Outcome: RetryOutcomeDeadLetter}
	}
	return RetryDecision{
		Outcome: RetryOutcomeRetry,
		Delay:   p.Backoff(attemptCount),
	}
}

// Backoff returns base * 2^(attempt-1) capped at the max delay, plus a random
// jitter of up to jitterFraction of the capped delay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.base
	for i := 1; i < attempt; i++ {
		if delay >= p.maxDelay/2 {
			delay = p.maxDelay
			break
		}
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	if p.jitterFraction > 0 {
		jitter := time.Duration(float64(delay) * p.jitterFraction * p.randFloat())
		delay += jitter
	}

	return delay
}
