package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the job run executor.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the run reaper for recovery and retention.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains run executor service configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// ExecTimeout is the hard per-attempt execution budget. Attempts that
	// outlive it are cancelled and recorded as transient failures.
	ExecTimeout time.Duration `env:"WORKER_EXEC_TIMEOUT" envDefault:"5m"`

	// PollInterval is the claim retry cadence used as a fallback when no
	// notification arrives (runs becoming due by run_after elapsing produce
	// no notification).
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"15s"`

	// HandlerBaseURL is the base URL of the upstream service that owns the
	// job handlers. When set, the worker forwards run payloads to
	// <base>/hooks/<job_name>. When empty, no handlers are registered and
	// claimed runs fail permanently.
	HandlerBaseURL string `env:"WORKER_HANDLER_BASE_URL"`

	// HandlerJobs lists the job names the upstream service accepts.
	HandlerJobs []string `env:"WORKER_HANDLER_JOBS" envSeparator:"," envDefault:"holdings_sync,suggestion_generation,learning_ingestion,strategy_autotune"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.ExecTimeout < 1*time.Second {
		w.ExecTimeout = 1 * time.Second
	}
	if w.PollInterval < 1*time.Second {
		w.PollInterval = 1 * time.Second
	}
}

// RetryConfig contains retry backoff configuration for recoverable failures.
type RetryConfig struct {
	// Base is the backoff applied after the first failed attempt; each
	// further attempt doubles it.
	Base time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`

	// MaxDelay caps the computed backoff before jitter.
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"15m"`

	// JitterFraction is the upper bound of the random extension added to the
	// backoff, as a fraction of the computed delay.
	JitterFraction float64 `env:"RETRY_JITTER_FRACTION" envDefault:"0.2"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.Base < 1*time.Second {
		r.Base = 1 * time.Second
	}
	if r.MaxDelay < r.Base {
		r.MaxDelay = r.Base
	}
	if r.JitterFraction < 0 {
		r.JitterFraction = 0
	}
	if r.JitterFraction > 1 {
		r.JitterFraction = 1
	}
}

// ReaperConfig contains run reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// ProcessingTimeout is the execution-timeout ceiling: processing runs
	// older than this are treated as orphaned by a dead worker and recovered.
	// Must exceed the worker's per-attempt execution budget.
	ProcessingTimeout time.Duration `env:"REAPER_PROCESSING_TIMEOUT" envDefault:"10m"`

	// CompletedMaxAge is the maximum age for completed runs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for permanently failed runs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// DeadLetterMaxAge is the maximum age for dead lettered runs before deletion.
	// Longer than the other windows so operators can inspect and retry them.
	DeadLetterMaxAge time.Duration `env:"REAPER_DEAD_LETTER_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 30*time.Second {
		r.Interval = 30 * time.Second
	}
	if r.ProcessingTimeout < 1*time.Minute {
		r.ProcessingTimeout = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.DeadLetterMaxAge < 1*time.Hour {
		r.DeadLetterMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
