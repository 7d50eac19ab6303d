package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/runkey"
)

type runRepo struct {
	pool *pgxpool.Pool
}

const runColumns = `
id, workflow_definition_id, status, parameters, context, output, error_message,
current_step_id, current_step_index, metrics, triggered_by, "trigger",
partition_key, run_key, run_key_normalized, claim_owner, started_at,
completed_at, duration_ms, created_at, updated_at`

func scanRun(row pgx.Row) (*core.WorkflowRun, error) {
	var run core.WorkflowRun
	err := row.Scan(
		&run.ID, &run.WorkflowDefID, &run.Status, &run.Parameters, &run.Context,
		&run.Output, &run.ErrorMessage, &run.CurrentStepID, &run.CurrentStepIndex,
		&run.Metrics, &run.TriggeredBy, &run.Trigger, &run.PartitionKey,
		&run.RunKey, &run.RunKeyNormalized, &run.ClaimOwner, &run.StartedAt,
		&run.CompletedAt, &run.DurationMs, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) Create(ctx context.Context, run *core.WorkflowRun) error {
	run.CreatedAt = nowUTC()
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = core.RunPending
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO workflow_runs (
    id, workflow_definition_id, status, parameters, context, metrics,
    triggered_by, "trigger", partition_key, run_key, run_key_normalized,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.WorkflowDefID, run.Status, run.Parameters, run.Context,
		run.Metrics, run.TriggeredBy, run.Trigger, run.PartitionKey,
		run.RunKey, run.RunKeyNormalized, run.CreatedAt, run.UpdatedAt,
	)
	if isUniqueViolation(err, "workflow_runs_active_run_key_idx") {
		existing, lookupErr := r.activeByRunKey(ctx, run.WorkflowDefID, *run.RunKeyNormalized)
		if lookupErr != nil {
			return lookupErr
		}
		return &runkey.ConflictError{ExistingRun: existing}
	}
	if err != nil {
		return core.TransientErr(err, "insert run %s", run.ID)
	}
	return nil
}

func (r *runRepo) activeByRunKey(ctx context.Context, defID, normalized string) (*core.WorkflowRun, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+runColumns+` FROM workflow_runs
WHERE workflow_definition_id = $1 AND run_key_normalized = $2
  AND status IN ('pending', 'running')
LIMIT 1`, defID, normalized)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "active run with key %q not found", normalized)
	}
	return run, nil
}

func (r *runRepo) Get(ctx context.Context, id string) (*core.WorkflowRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "run %s not found", id)
	}
	return run, nil
}

func (r *runRepo) Claim(ctx context.Context, runID, owner string) (*core.WorkflowRun, error) {
	var claimed *core.WorkflowRun
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return notFound(err, "run %s not found", runID)
		}
		switch {
		case run.Status == core.RunRunning && run.ClaimOwner != nil && *run.ClaimOwner == owner:
			claimed = run
			return nil
		case run.Status.IsTerminal():
			return core.ConflictErr("run %s already %s", runID, run.Status)
		case run.Status == core.RunRunning:
			return core.ConflictErr("run %s claimed by %s", runID, orEmpty(run.ClaimOwner))
		}

		now := nowUTC()
		_, err = tx.Exec(ctx, `
UPDATE workflow_runs SET status = 'running', claim_owner = $2,
    started_at = COALESCE(started_at, $3), updated_at = $3
WHERE id = $1`, runID, owner, now)
		if err != nil {
			return core.TransientErr(err, "claim run %s", runID)
		}
		run.Status = core.RunRunning
		run.ClaimOwner = &owner
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.UpdatedAt = now
		claimed = run
		return nil
	})
	return claimed, err
}

func (r *runRepo) Reclaim(ctx context.Context, runID, owner string) (*core.WorkflowRun, error) {
	var reclaimed *core.WorkflowRun
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return notFound(err, "run %s not found", runID)
		}
		if run.Status != core.RunRunning {
			return core.ConflictErr("run %s is %s, not running", runID, run.Status)
		}
		now := nowUTC()
		_, err = tx.Exec(ctx,
			`UPDATE workflow_runs SET claim_owner = $2, updated_at = $3 WHERE id = $1`,
			runID, owner, now)
		if err != nil {
			return core.TransientErr(err, "reclaim run %s", runID)
		}
		run.ClaimOwner = &owner
		run.UpdatedAt = now
		reclaimed = run
		return nil
	})
	return reclaimed, err
}

func (r *runRepo) UpdateCurrentStep(ctx context.Context, runID string, stepID *string, stepIndex *int) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE workflow_runs SET current_step_id = $2, current_step_index = $3, updated_at = $4
WHERE id = $1`, runID, stepID, stepIndex, nowUTC())
	if err != nil {
		return core.TransientErr(err, "update current step for run %s", runID)
	}
	return affectedOne(tag, "run %s not found", runID)
}

func (r *runRepo) Finalize(ctx context.Context, runID string, final models.RunFinalization) error {
	if !final.Status.IsTerminal() {
		return core.ValidationErr("finalize requires a terminal status, got %q", final.Status)
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return notFound(err, "run %s not found", runID)
		}
		if run.Status.IsTerminal() {
			return core.ConflictErr("run %s already %s", runID, run.Status)
		}
		now := nowUTC()
		var durationMs *int64
		if run.StartedAt != nil {
			d := now.Sub(*run.StartedAt).Milliseconds()
			durationMs = &d
		}
		_, err = tx.Exec(ctx, `
UPDATE workflow_runs SET status = $2, output = $3, error_message = $4,
    current_step_id = NULL, current_step_index = NULL,
    completed_at = $5, duration_ms = $6, updated_at = $5
WHERE id = $1`, runID, final.Status, final.Output, final.ErrorMessage, now, durationMs)
		if err != nil {
			return core.TransientErr(err, "finalize run %s", runID)
		}
		if final.History != nil {
			if err := insertHistoryTx(ctx, tx, final.History); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *runRepo) RequestCancel(ctx context.Context, runID, reason string) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return notFound(err, "run %s not found", runID)
		}
		if run.Status.IsTerminal() {
			return core.ConflictErr("run %s already %s", runID, run.Status)
		}
		now := nowUTC()
		_, err = tx.Exec(ctx, `
UPDATE workflow_runs SET status = 'canceled', error_message = $2,
    current_step_id = NULL, current_step_index = NULL,
    completed_at = $3, updated_at = $3
WHERE id = $1`, runID, reason, now)
		if err != nil {
			return core.TransientErr(err, "cancel run %s", runID)
		}
		return insertHistoryTx(ctx, tx, &core.ExecutionHistory{
			RunID:     runID,
			EventType: core.HistoryRunCompleted,
			Payload:   map[string]any{"status": "canceled", "reason": reason},
		})
	})
}

func (r *runRepo) ListStaleRunning(ctx context.Context, heartbeatTimeout time.Duration, excludeOwner string) ([]*core.WorkflowRun, error) {
	cutoff := nowUTC().Add(-heartbeatTimeout)
	rows, err := r.pool.Query(ctx, `
SELECT `+runColumns+` FROM workflow_runs r
WHERE r.status = 'running'
  AND (r.claim_owner IS NULL OR r.claim_owner <> $1)
  AND COALESCE((
        SELECT max(COALESCE(s.last_heartbeat_at, s.started_at))
        FROM workflow_run_steps s
        WHERE s.workflow_run_id = r.id AND s.status = 'running'
      ), COALESCE(r.started_at, r.created_at)) < $2
ORDER BY r.created_at`, excludeOwner, cutoff)
	if err != nil {
		return nil, core.TransientErr(err, "list stale runs")
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *runRepo) ListByDefinition(ctx context.Context, defID string, limit int) ([]*core.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+runColumns+` FROM workflow_runs
WHERE workflow_definition_id = $1
ORDER BY created_at DESC LIMIT $2`, defID, limit)
	if err != nil {
		return nil, core.TransientErr(err, "list runs for definition %s", defID)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]*core.WorkflowRun, error) {
	var runs []*core.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
