// Command quantfolio-admin provides operational tooling for the job engine:
// migrations, run inspection, manual retries, and one-shot reaper passes.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfolio/jobs-api/config"
	"github.com/quantfolio/jobs-api/internal/bootstrap"
	"github.com/quantfolio/jobs-api/internal/data"
	"github.com/quantfolio/jobs-api/internal/domain/model"
	"github.com/quantfolio/jobs-api/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrationsCmd,
		},
		"stats": {
			name:        "stats",
			description: "Show per-status run counts, optionally for one job",
			run:         runStats,
		},
		"runs": {
			name:        "runs",
			description: "List runs with optional status and job filters",
			run:         runListRuns,
		},
		"retry": {
			name:        "retry",
			description: "Re-admit a failed_retryable or dead_lettered run",
			run:         runRetry,
		},
		"reap": {
			name:        "reap",
			description: "Perform one recovery and retention pass",
			run:         runReapOnce,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: quantfolio-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	names := make([]string, 0)
	cmds := commands()
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cmds[name]
		if err := writef(os.Stdout, "  %-12s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func runMigrationsCmd(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config, false)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	jobName := fs.String("job", "", "restrict counts to one job name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, db, redisClient, err := buildRunService(cmdCtx)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	opts := model.RunStatsOptions{}
	if *jobName != "" {
		opts.JobName = jobName
	}
	stats, err := svc.Stats(cmdCtx.Ctx, opts)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"processing", stats.Processing},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"failed_retryable", stats.FailedRetryable},
		{"dead_lettered", stats.DeadLettered},
	}
	for _, row := range rows {
		if err := writef(tw, "%s\t%d\n", row.label, row.count); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runListRuns(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	status := fs.String("status", "", "filter by run status")
	jobName := fs.String("job", "", "filter by job name")
	limit := fs.Int("limit", 50, "maximum rows to return")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := &model.RunListOptions{Limit: *limit, Offset: *offset}
	if *status != "" {
		var st model.RunStatus
		if err := st.UnmarshalText([]byte(*status)); err != nil {
			return err
		}
		opts.Status = &st
	}
	if *jobName != "" {
		opts.JobName = jobName
	}

	svc, db, redisClient, err := buildRunService(cmdCtx)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	runs, err := svc.List(cmdCtx.Ctx, opts)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(tw, "ID\tJOB\tSTATUS\tATTEMPTS\tRUN AFTER\tCREATED\n"); err != nil {
		return err
	}
	for _, run := range runs {
		if err := writef(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			run.ID,
			run.JobName,
			run.Status,
			run.AttemptCount,
			run.MaxAttempts,
			run.RunAfter.Format(time.RFC3339),
			run.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runRetry(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		return fmt.Errorf("usage: quantfolio-admin retry <run-id>")
	}

	svc, db, redisClient, err := buildRunService(cmdCtx)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	run, err := svc.Retry(cmdCtx.Ctx, id)
	if err != nil {
		return err
	}
	return writef(os.Stdout, "run %s re-admitted (job %s, attempt %d/%d)\n",
		run.ID, run.JobName, run.AttemptCount, run.MaxAttempts)
}

func runReapOnce(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config, false)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	repo := data.NewJobRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:   repo,
		Config: cmdCtx.Config.Reaper,
		Retry:  cmdCtx.Config.Retry,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	if err := reaper.RunOnce(cmdCtx.Ctx); err != nil {
		return err
	}
	return writef(os.Stdout, "cleanup pass complete\n")
}

// buildRunService wires a JobRunService backed by live infrastructure.
func buildRunService(cmdCtx *commandContext) (*service.JobRunService, *sql.DB, redis.UniversalClient, error) {
	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config, true)
	if err != nil {
		return nil, nil, nil, err
	}

	repo := data.NewJobRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	opts := service.JobRunServiceOptions{
		Repo:   repo,
		Logger: cmdCtx.Logger,
	}
	if redisClient != nil {
		opts.Cache = data.NewRedisCacheRepo(redisClient)
		opts.StatsCacheTTL = cmdCtx.Config.Cache.StatsTTL
	}

	svc, err := service.NewJobRunService(opts)
	if err != nil {
		closeInfra(cmdCtx.Logger, db, redisClient)
		return nil, nil, nil, err
	}
	return svc, db, redisClient, nil
}
