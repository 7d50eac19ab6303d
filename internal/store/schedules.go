package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/models"
)

type scheduleRepo struct {
	pool *pgxpool.Pool
}

const scheduleColumns = `
id, workflow_definition_id, cron, timezone, starts_at, ends_at, catch_up,
next_run_at, catchup_cursor, last_materialized_window, parameters,
created_at, updated_at`

func scanSchedule(row pgx.Row) (*core.Schedule, error) {
	var sched core.Schedule
	err := row.Scan(&sched.ID, &sched.WorkflowDefID, &sched.Cron, &sched.Timezone,
		&sched.StartsAt, &sched.EndsAt, &sched.CatchUp, &sched.NextRunAt,
		&sched.CatchupCursor, &sched.LastMaterializedWindow, &sched.Parameters,
		&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (r *scheduleRepo) Create(ctx context.Context, sched *core.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = nowUTC()
	sched.UpdatedAt = sched.CreatedAt
	_, err := r.pool.Exec(ctx, `
INSERT INTO workflow_schedules (
    id, workflow_definition_id, cron, timezone, starts_at, ends_at, catch_up,
    next_run_at, catchup_cursor, last_materialized_window, parameters,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sched.ID, sched.WorkflowDefID, sched.Cron, sched.Timezone,
		sched.StartsAt, sched.EndsAt, sched.CatchUp, sched.NextRunAt,
		sched.CatchupCursor, sched.LastMaterializedWindow, sched.Parameters,
		sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "insert schedule for %s", sched.WorkflowDefID)
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*core.Schedule, error) {
	sched, err := scanSchedule(r.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "schedule %s not found", id)
	}
	return sched, nil
}

func (r *scheduleRepo) ListByDefinition(ctx context.Context, defID string) ([]*core.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+scheduleColumns+` FROM workflow_schedules
WHERE workflow_definition_id = $1 ORDER BY created_at`, defID)
	if err != nil {
		return nil, core.TransientErr(err, "list schedules for %s", defID)
	}
	defer rows.Close()

	var scheds []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan schedule")
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// ClaimDue locks due schedules with FOR UPDATE SKIP LOCKED so concurrent
// scheduler replicas never fire the same window twice. The handler runs
// inside the row lock; its returned cursor advance commits with the claim.
func (r *scheduleRepo) ClaimDue(ctx context.Context, now time.Time, limit int, handle func(ctx context.Context, sched *core.Schedule) (*models.ScheduleAdvance, error)) error {
	if limit <= 0 {
		limit = 20
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT `+scheduleColumns+` FROM workflow_schedules
WHERE next_run_at IS NOT NULL AND next_run_at <= $1
  AND (starts_at IS NULL OR starts_at <= $1)
  AND (ends_at IS NULL OR ends_at >= $1)
ORDER BY next_run_at
LIMIT $2
FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return core.TransientErr(err, "query due schedules")
		}
		var due []*core.Schedule
		for rows.Next() {
			sched, err := scanSchedule(rows)
			if err != nil {
				rows.Close()
				return core.TransientErr(err, "scan due schedule")
			}
			due = append(due, sched)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return core.TransientErr(err, "query due schedules")
		}

		for _, sched := range due {
			advance, err := handle(ctx, sched)
			if err != nil {
				// A failed handler leaves the cursor alone; the schedule
				// stays due and is retried on the next tick.
				logger.Error(ctx, "Schedule handler failed", "scheduleId", sched.ID, "err", err)
				continue
			}
			if advance == nil {
				continue
			}
			_, err = tx.Exec(ctx, `
UPDATE workflow_schedules SET next_run_at = $2, catchup_cursor = $3,
    last_materialized_window = $4, updated_at = $5
WHERE id = $1`, sched.ID, advance.NextRunAt, advance.CatchupCursor,
				advance.LastMaterializedWindow, nowUTC())
			if err != nil {
				return core.TransientErr(err, "advance schedule %s", sched.ID)
			}
		}
		return nil
	})
}
