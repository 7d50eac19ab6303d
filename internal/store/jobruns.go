package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type jobRunRepo struct {
	pool *pgxpool.Pool
}

const jobRunColumns = `
id, job_definition_id, status, parameters, result, metrics, context, attempt,
max_attempts, duration_ms, last_heartbeat_at, retry_count, failure_reason,
created_at, updated_at`

func scanJobRun(row pgx.Row) (*core.JobRun, error) {
	var jr core.JobRun
	err := row.Scan(&jr.ID, &jr.JobDefinitionID, &jr.Status, &jr.Parameters,
		&jr.Result, &jr.Metrics, &jr.Context, &jr.Attempt, &jr.MaxAttempts,
		&jr.DurationMs, &jr.LastHeartbeatAt, &jr.RetryCount, &jr.FailureReason,
		&jr.CreatedAt, &jr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &jr, nil
}

func (r *jobRunRepo) Create(ctx context.Context, jobRun *core.JobRun) error {
	jobRun.CreatedAt = nowUTC()
	jobRun.UpdatedAt = jobRun.CreatedAt
	if jobRun.Status == "" {
		jobRun.Status = core.JobRunPending
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO job_runs (
    id, job_definition_id, status, parameters, metrics, context, attempt,
    max_attempts, retry_count, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		jobRun.ID, jobRun.JobDefinitionID, jobRun.Status, jobRun.Parameters,
		jobRun.Metrics, jobRun.Context, jobRun.Attempt, jobRun.MaxAttempts,
		jobRun.RetryCount, jobRun.CreatedAt, jobRun.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "insert job run %s", jobRun.ID)
	}
	return nil
}

func (r *jobRunRepo) Get(ctx context.Context, id string) (*core.JobRun, error) {
	jr, err := scanJobRun(r.pool.QueryRow(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "job run %s not found", id)
	}
	return jr, nil
}

// Complete records the terminal outcome of a job run. Replaying the same
// completion is a no-op; conflicting completions are rejected.
func (r *jobRunRepo) Complete(ctx context.Context, id string, status core.JobRunStatus, result map[string]any, failureReason *core.FailureReason) (bool, error) {
	applied := false
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		jr, err := scanJobRun(tx.QueryRow(ctx,
			`SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "job run %s not found", id)
		}
		switch jr.Status {
		case core.JobRunSucceeded, core.JobRunFailed, core.JobRunCanceled, core.JobRunExpired:
			if jr.Status == status {
				return nil
			}
			return core.ConflictErr("job run %s already %s", id, jr.Status)
		}

		now := nowUTC()
		durationMs := now.Sub(jr.CreatedAt).Milliseconds()
		_, err = tx.Exec(ctx, `
UPDATE job_runs SET status = $2, result = $3, failure_reason = $4,
    duration_ms = $5, updated_at = $6
WHERE id = $1`, id, status, result, failureReason, durationMs, now)
		if err != nil {
			return core.TransientErr(err, "complete job run %s", id)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *jobRunRepo) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE job_runs SET last_heartbeat_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'running')`, id, at)
	if err != nil {
		return core.TransientErr(err, "heartbeat job run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return core.ConflictErr("job run %s is not active", id)
	}
	return nil
}
