package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quantfolio/jobs-api/config"
	"github.com/quantfolio/jobs-api/internal/adapters/jobrunner"
	domainjob "github.com/quantfolio/jobs-api/internal/domain/job"
	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// maxHandlerResponseBytes caps how much of an upstream response is kept as
// the run result.
const maxHandlerResponseBytes = 1 << 20

// registerJobHandlers binds the configured job names to webhook handlers that
// forward run payloads to the upstream handler service. The engine itself
// carries no handler business logic; claimed runs with no registered handler
// fail permanently.
func registerJobHandlers(runner *jobrunner.Runner, cfg config.WorkerConfig, logger *slog.Logger) {
	if runner == nil {
		return
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.HandlerBaseURL), "/")
	if base == "" {
		logger.Warn("no handler base URL configured; worker will fail claimed runs permanently")
		return
	}

	client := runner.HTTPClient()
	for _, name := range cfg.HandlerJobs {
		jobName := strings.TrimSpace(name)
		if jobName == "" {
			continue
		}
		runner.Register(jobName, newWebhookHandler(client, base+"/hooks/"+jobName))
		logger.Info("job handler registered", "job_name", jobName)
	}
}

// newWebhookHandler builds a handler that POSTs the run payload to the
// upstream hook URL. 4xx responses are permanent failures, everything else
// that goes wrong is transient and consumes an attempt.
func newWebhookHandler(client *http.Client, url string) jobrunner.HandlerFunc {
	return func(ctx context.Context, run *model.JobRun) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(run.Payload))
		if err != nil {
			return nil, domainjob.Permanent(fmt.Errorf("build hook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Run-ID", run.ID)
		req.Header.Set("X-Run-Attempt", fmt.Sprintf("%d", run.AttemptCount))

		resp, err := client.Do(req)
		if err != nil {
			return nil, domainjob.Transient(fmt.Errorf("call hook %s: %w", url, err))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandlerResponseBytes))
		if err != nil {
			return nil, domainjob.Transient(fmt.Errorf("read hook response: %w", err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if len(body) == 0 || !json.Valid(body) {
				return nil, nil
			}
			return json.RawMessage(body), nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, domainjob.Permanent(fmt.Errorf("hook %s rejected run: status %d", url, resp.StatusCode))
		default:
			return nil, domainjob.Transient(fmt.Errorf("hook %s failed: status %d", url, resp.StatusCode))
		}
	}
}
