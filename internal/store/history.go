package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type historyRepo struct {
	pool *pgxpool.Pool
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, row *core.ExecutionHistory) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	_, err := tx.Exec(ctx, `
INSERT INTO workflow_execution_history (
    id, workflow_run_id, workflow_run_step_id, step_id, event_type,
    event_payload, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.RunID, row.RunStepID, row.StepID, row.EventType,
		row.Payload, row.CreatedAt)
	if err != nil {
		return core.TransientErr(err, "append history for run %s", row.RunID)
	}
	return nil
}

func (r *historyRepo) Append(ctx context.Context, rows ...*core.ExecutionHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, row := range rows {
			if err := insertHistoryTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *historyRepo) ListByRun(ctx context.Context, runID string) ([]*core.ExecutionHistory, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, workflow_run_id, workflow_run_step_id, step_id, event_type,
       event_payload, created_at
FROM workflow_execution_history
WHERE workflow_run_id = $1
ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, core.TransientErr(err, "list history for run %s", runID)
	}
	defer rows.Close()

	var out []*core.ExecutionHistory
	for rows.Next() {
		var row core.ExecutionHistory
		err := rows.Scan(&row.ID, &row.RunID, &row.RunStepID, &row.StepID,
			&row.EventType, &row.Payload, &row.CreatedAt)
		if err != nil {
			return nil, core.TransientErr(err, "scan history row")
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

type auditRepo struct {
	pool *pgxpool.Pool
}

func (r *auditRepo) Append(ctx context.Context, row *core.AuditLog) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO audit_logs (id, actor, actor_kind, action, resource, status, scopes, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ID, row.Actor, row.ActorKind, row.Action, row.Resource, row.Status,
		row.Scopes, row.Metadata, row.CreatedAt)
	if err != nil {
		return core.TransientErr(err, "append audit log")
	}
	return nil
}
