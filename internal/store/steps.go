package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
)

type runStepRepo struct {
	pool *pgxpool.Pool
}

const runStepColumns = `
id, workflow_run_id, step_id, status, attempt, retry_count, last_heartbeat_at,
failure_reason, error_message, job_run_id, input, output, parent_step_id,
fanout_index, template_step_id, started_at, completed_at, created_at, updated_at`

func scanRunStep(row pgx.Row) (*core.WorkflowRunStep, error) {
	var step core.WorkflowRunStep
	err := row.Scan(
		&step.ID, &step.RunID, &step.StepID, &step.Status, &step.Attempt,
		&step.RetryCount, &step.LastHeartbeatAt, &step.FailureReason,
		&step.ErrorMessage, &step.JobRunID, &step.Input, &step.Output,
		&step.ParentStepID, &step.FanoutIndex, &step.TemplateStepID,
		&step.StartedAt, &step.CompletedAt, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *runStepRepo) CreateMany(ctx context.Context, steps []*core.WorkflowRunStep) error {
	if len(steps) == 0 {
		return nil
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		now := nowUTC()
		batch := &pgx.Batch{}
		for _, step := range steps {
			step.CreatedAt = now
			step.UpdatedAt = now
			if step.Status == "" {
				step.Status = core.StepPending
			}
			if step.Attempt == 0 {
				step.Attempt = 1
			}
			batch.Queue(`
INSERT INTO workflow_run_steps (
    id, workflow_run_id, step_id, status, attempt, retry_count, input,
    parent_step_id, fanout_index, template_step_id, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				step.ID, step.RunID, step.StepID, step.Status, step.Attempt,
				step.RetryCount, step.Input, step.ParentStepID, step.FanoutIndex,
				step.TemplateStepID, step.CreatedAt, step.UpdatedAt)
		}
		results := tx.SendBatch(ctx, batch)
		defer func() { _ = results.Close() }()
		for range steps {
			if _, err := results.Exec(); err != nil {
				if isUniqueViolation(err, "") {
					return core.ConflictErr("duplicate run step")
				}
				return core.TransientErr(err, "insert run steps")
			}
		}
		return nil
	})
}

func (r *runStepRepo) Get(ctx context.Context, id string) (*core.WorkflowRunStep, error) {
	step, err := scanRunStep(r.pool.QueryRow(ctx,
		`SELECT `+runStepColumns+` FROM workflow_run_steps WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "run step %s not found", id)
	}
	return step, nil
}

func (r *runStepRepo) ListByRun(ctx context.Context, runID string) ([]*core.WorkflowRunStep, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+runStepColumns+` FROM workflow_run_steps
WHERE workflow_run_id = $1
ORDER BY created_at, step_id`, runID)
	if err != nil {
		return nil, core.TransientErr(err, "list steps for run %s", runID)
	}
	defer rows.Close()

	var steps []*core.WorkflowRunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan run step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// lockStep reads the row FOR UPDATE so status transitions are serialized
// across orchestrator replicas.
func lockStep(ctx context.Context, tx pgx.Tx, id string) (*core.WorkflowRunStep, error) {
	step, err := scanRunStep(tx.QueryRow(ctx,
		`SELECT `+runStepColumns+` FROM workflow_run_steps WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "run step %s not found", id)
	}
	return step, nil
}

func (r *runStepRepo) MarkRunning(ctx context.Context, id string, attempt int, startedAt time.Time) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, id)
		if err != nil {
			return err
		}
		if step.Status != core.StepPending {
			return core.ConflictErr("run step %s is %s, not pending", id, step.Status)
		}
		_, err = tx.Exec(ctx, `
UPDATE workflow_run_steps SET status = 'running', attempt = $2,
    started_at = $3, last_heartbeat_at = $3, updated_at = $3
WHERE id = $1`, id, attempt, startedAt)
		if err != nil {
			return core.TransientErr(err, "mark run step %s running", id)
		}
		return nil
	})
}

func (r *runStepRepo) Complete(ctx context.Context, id string, completion models.StepCompletion) error {
	if !completion.Status.IsTerminal() {
		return core.ValidationErr("step completion requires a terminal status, got %q", completion.Status)
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, id)
		if err != nil {
			return err
		}
		if step.Status.IsTerminal() {
			return core.ConflictErr("run step %s already %s", id, step.Status)
		}
		_, err = tx.Exec(ctx, `
UPDATE workflow_run_steps SET status = $2, output = $3, failure_reason = $4,
    error_message = $5, job_run_id = COALESCE($6, job_run_id),
    completed_at = $7, updated_at = $7
WHERE id = $1`, id, completion.Status, completion.Output, completion.FailureReason,
			completion.ErrorMessage, completion.JobRunID, completion.CompletedAt)
		if err != nil {
			return core.TransientErr(err, "complete run step %s", id)
		}

		// Materializations and history land in the same transaction; a
		// failure rolls back the status change too.
		for i := range completion.Materializations {
			if err := upsertMaterializationTx(ctx, tx, &completion.Materializations[i]); err != nil {
				return err
			}
		}
		for i := range completion.History {
			if err := insertHistoryTx(ctx, tx, &completion.History[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *runStepRepo) MarkRetrying(ctx context.Context, id string, history *core.ExecutionHistory) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, id)
		if err != nil {
			return err
		}
		if step.Status != core.StepRunning && step.Status != core.StepFailed {
			return core.ConflictErr("run step %s is %s, cannot retry", id, step.Status)
		}
		now := nowUTC()
		_, err = tx.Exec(ctx, `
UPDATE workflow_run_steps SET status = 'pending', retry_count = retry_count + 1,
    failure_reason = NULL, error_message = NULL, last_heartbeat_at = NULL,
    started_at = NULL, updated_at = $2
WHERE id = $1`, id, now)
		if err != nil {
			return core.TransientErr(err, "mark run step %s retrying", id)
		}
		if history != nil {
			return insertHistoryTx(ctx, tx, history)
		}
		return nil
	})
}

func (r *runStepRepo) MarkSkipped(ctx context.Context, id string, history *core.ExecutionHistory) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		step, err := lockStep(ctx, tx, id)
		if err != nil {
			return err
		}
		if step.Status != core.StepPending {
			return core.ConflictErr("run step %s is %s, cannot skip", id, step.Status)
		}
		now := nowUTC()
		_, err = tx.Exec(ctx, `
UPDATE workflow_run_steps SET status = 'skipped', completed_at = $2, updated_at = $2
WHERE id = $1`, id, now)
		if err != nil {
			return core.TransientErr(err, "mark run step %s skipped", id)
		}
		if history != nil {
			return insertHistoryTx(ctx, tx, history)
		}
		return nil
	})
}

func (r *runStepRepo) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE workflow_run_steps SET last_heartbeat_at = $2, updated_at = $2
WHERE id = $1 AND status = 'running'`, id, at)
	if err != nil {
		return core.TransientErr(err, "heartbeat run step %s", id)
	}
	if tag.RowsAffected() == 0 {
		return core.ConflictErr("run step %s is not running", id)
	}
	return nil
}

func (r *runStepRepo) FailStale(ctx context.Context, runID string, heartbeatTimeout time.Duration, now time.Time) ([]*core.WorkflowRunStep, error) {
	cutoff := now.Add(-heartbeatTimeout)
	var failed []*core.WorkflowRunStep
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
UPDATE workflow_run_steps SET status = 'failed', failure_reason = 'heartbeat_lost',
    error_message = 'step heartbeat lost', completed_at = $3, updated_at = $3
WHERE workflow_run_id = $1 AND status = 'running'
  AND COALESCE(last_heartbeat_at, started_at, created_at) < $2
RETURNING `+runStepColumns, runID, cutoff, now)
		if err != nil {
			return core.TransientErr(err, "fail stale steps for run %s", runID)
		}
		defer rows.Close()
		for rows.Next() {
			step, err := scanRunStep(rows)
			if err != nil {
				return core.TransientErr(err, "scan stale step")
			}
			failed = append(failed, step)
		}
		if err := rows.Err(); err != nil {
			return core.TransientErr(err, "fail stale steps for run %s", runID)
		}
		for _, step := range failed {
			stepID := step.StepID
			err := insertHistoryTx(ctx, tx, &core.ExecutionHistory{
				RunID:     runID,
				RunStepID: &step.ID,
				StepID:    &stepID,
				EventType: core.HistoryStepFailed,
				Payload:   map[string]any{"failureReason": string(core.FailureHeartbeatLost)},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return failed, err
}
