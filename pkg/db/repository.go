package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	repoLogPrefix = "db:repository"

	// DefaultListLimit and MaxListLimit bound ListRecentRuns.
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Repository provides database access for task run history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertRun records a finished task run. Empty optional fields are stored as NULL.
func (r *Repository) InsertRun(ctx context.Context, params InsertRunParams) (*TaskRun, error) {
	slog.Debug(fmt.Sprintf("%s - InsertRun id=%s status=%s", repoLogPrefix, params.ID, params.Status))

	params.Parameters = normalizeJSON(params.Parameters)

	row := r.pool.QueryRow(ctx,
		`INSERT INTO task_runs (id, description, task_type, parameters, status, error_code, error_message, started, finished)
		 VALUES ($1, $2, NULLIF($3, ''), $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		 RETURNING id, description, task_type, parameters, status, error_code, error_message, started, finished`,
		params.ID, params.Description, params.TaskType, string(params.Parameters), params.Status,
		params.ErrorCode, params.ErrorMessage, params.Started.UTC(), params.Finished.UTC())

	return scanRun(row)
}

// GetRun finds a run by ID. It returns nil, nil when no row matches.
func (r *Repository) GetRun(ctx context.Context, id string) (*TaskRun, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, description, task_type, parameters, status, error_code, error_message, started, finished
		 FROM task_runs
		 WHERE id = $1
		 LIMIT 1`, id)

	return scanRun(row)
}

// ListRecentRuns returns runs newest first, optionally filtered, and the total matching count.
func (r *Repository) ListRecentRuns(ctx context.Context, params ListRunsParams) ([]TaskRun, int, error) {
	limit := ClampLimit(params.Limit)

	query := `SELECT id, description, task_type, parameters, status, error_code, error_message, started, finished
	          FROM task_runs WHERE 1=1`
	countQuery := `SELECT COUNT(*)::int FROM task_runs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.TaskType != "" {
		clause := fmt.Sprintf(` AND task_type = $%d`, argIdx)
		query += clause
		countQuery += clause
		args = append(args, params.TaskType)
		argIdx++
	}
	if params.Status != "" && params.Status != "all" {
		clause := fmt.Sprintf(` AND status = $%d`, argIdx)
		query += clause
		countQuery += clause
		args = append(args, params.Status)
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s - count runs failed: %w", repoLogPrefix, err)
	}

	query += fmt.Sprintf(` ORDER BY started DESC, id LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%s - list runs failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s - iterate runs failed: %w", repoLogPrefix, err)
	}
	return runs, total, nil
}

// CountByStatus returns run counts grouped by status.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*)::int FROM task_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%s - count by status failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%s - scan status count failed: %w", repoLogPrefix, err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ClampLimit applies DefaultListLimit to non-positive limits and caps at MaxListLimit.
func ClampLimit(limit int) int {
	if limit < 1 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// normalizeJSON stores absent parameters as an empty object.
func normalizeJSON(b []byte) []byte {
	if len(b) == 0 || string(b) == "null" {
		return []byte("{}")
	}
	return b
}

func scanRun(row pgx.Row) (*TaskRun, error) {
	var run TaskRun
	err := row.Scan(
		&run.ID, &run.Description, &run.TaskType, &run.Parameters, &run.Status,
		&run.ErrorCode, &run.ErrorMessage, &run.Started, &run.Finished,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan run failed: %w", repoLogPrefix, err)
	}
	return &run, nil
}

func scanRunFromRows(rows pgx.Rows) (*TaskRun, error) {
	var run TaskRun
	err := rows.Scan(
		&run.ID, &run.Description, &run.TaskType, &run.Parameters, &run.Status,
		&run.ErrorCode, &run.ErrorMessage, &run.Started, &run.Finished,
	)
	if err != nil {
		return nil, fmt.Errorf("%s - scan run from rows failed: %w", repoLogPrefix, err)
	}
	return &run, nil
}
