package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/quantfolio/jobs-api/internal/data/pgxutil"
	"github.com/quantfolio/jobs-api/internal/domain/model"
)

// runFilterQueryBuilder accumulates WHERE conditions with positional args.
type runFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *runFilterQueryBuilder) addFilter(column string, value any) {
	if value != nil {
		b.query += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
		b.args = append(b.args, value)
		b.argIdx++
	}
}

// buildRunListQuery constructs the SQL query and args for the run list with filtering.
func buildRunListQuery(opts *model.RunListOptions) (string, []any) {
	if opts == nil {
		opts = &model.RunListOptions{}
	}

	builder := &runFilterQueryBuilder{
		query: `
		SELECT ` + runColumns + `
		FROM job_runs
		WHERE 1=1`,
		args:   []any{},
		argIdx: 1,
	}

	if opts.Status != nil && *opts.Status != "" {
		builder.addFilter("status", string(*opts.Status))
	}
	if opts.JobName != nil && *opts.JobName != "" {
		builder.addFilter("job_name", *opts.JobName)
	}

	builder.query += `
		ORDER BY created_at DESC, id DESC`

	return builder.query, builder.args
}

// List returns runs with optional status and job name filters, newest first.
func (r *JobRunRepo) List(ctx context.Context, opts *model.RunListOptions) ([]*model.JobRun, error) {
	if opts == nil {
		opts = &model.RunListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	query, args := buildRunListQuery(opts)
	argIdx := len(args) + 1
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	var result []*model.JobRun
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobRun])
		if err != nil {
			return fmt.Errorf("collect runs: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Stats returns per-status run counts, optionally restricted to one job name.
func (r *JobRunRepo) Stats(ctx context.Context, opts model.RunStatsOptions) (*model.RunStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'failed_retryable') AS failed_retryable,
			COUNT(*) FILTER (WHERE status = 'dead_lettered') AS dead_lettered
		FROM job_runs
	`
	args := []any{}
	if opts.JobName != nil && *opts.JobName != "" {
		query += ` WHERE job_name = $1`
		args = append(args, *opts.JobName)
	}

	stats := &model.RunStats{}
	row := r.DB.QueryRowContext(ctx, query, args...)
	if err := row.Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.FailedRetryable,
		&stats.DeadLettered,
	); err != nil {
		return nil, fmt.Errorf("scan run stats: %w", err)
	}

	return stats, nil
}
