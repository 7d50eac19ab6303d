package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type triggerRepo struct {
	pool *pgxpool.Pool
}

const triggerColumns = `
id, workflow_definition_id, event_type, event_source, predicate, throttle_ms,
failure_threshold, parameters, paused, paused_reason, paused_until,
consecutive_failures, last_matched_at, created_at, updated_at`

func scanTrigger(row pgx.Row) (*core.EventTrigger, error) {
	var trig core.EventTrigger
	err := row.Scan(&trig.ID, &trig.WorkflowDefID, &trig.EventType,
		&trig.EventSource, &trig.Predicate, &trig.ThrottleMs,
		&trig.FailureThreshold, &trig.Parameters, &trig.Paused,
		&trig.PausedReason, &trig.PausedUntil, &trig.ConsecutiveFailures,
		&trig.LastMatchedAt, &trig.CreatedAt, &trig.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &trig, nil
}

func (r *triggerRepo) Create(ctx context.Context, trigger *core.EventTrigger) error {
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.CreatedAt = nowUTC()
	trigger.UpdatedAt = trigger.CreatedAt
	_, err := r.pool.Exec(ctx, `
INSERT INTO workflow_event_triggers (
    id, workflow_definition_id, event_type, event_source, predicate,
    throttle_ms, failure_threshold, parameters, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		trigger.ID, trigger.WorkflowDefID, trigger.EventType, trigger.EventSource,
		trigger.Predicate, trigger.ThrottleMs, trigger.FailureThreshold,
		trigger.Parameters, trigger.CreatedAt, trigger.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "insert trigger for %s", trigger.WorkflowDefID)
	}
	return nil
}

func (r *triggerRepo) ListMatching(ctx context.Context, eventType, eventSource string) ([]*core.EventTrigger, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+triggerColumns+` FROM workflow_event_triggers
WHERE event_type = $1 AND (event_source = '' OR event_source = $2)
ORDER BY created_at`, eventType, eventSource)
	if err != nil {
		return nil, core.TransientErr(err, "list triggers for %s", eventType)
	}
	defer rows.Close()

	var triggers []*core.EventTrigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan trigger")
		}
		triggers = append(triggers, trig)
	}
	return triggers, rows.Err()
}

func (r *triggerRepo) CreateDelivery(ctx context.Context, delivery *core.TriggerDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	delivery.CreatedAt = nowUTC()
	delivery.UpdatedAt = delivery.CreatedAt
	_, err := r.pool.Exec(ctx, `
INSERT INTO trigger_deliveries (id, trigger_id, event_id, status, workflow_run_id, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		delivery.ID, delivery.TriggerID, delivery.EventID, delivery.Status,
		delivery.RunID, delivery.Reason, delivery.CreatedAt, delivery.UpdatedAt)
	if isUniqueViolation(err, "") {
		return core.ConflictErr("delivery for trigger %s event %s already recorded", delivery.TriggerID, delivery.EventID)
	}
	if err != nil {
		return core.TransientErr(err, "insert delivery for trigger %s", delivery.TriggerID)
	}
	return nil
}

func (r *triggerRepo) UpdateDelivery(ctx context.Context, delivery *core.TriggerDelivery) error {
	delivery.UpdatedAt = nowUTC()
	tag, err := r.pool.Exec(ctx, `
UPDATE trigger_deliveries SET status = $2, workflow_run_id = $3, reason = $4, updated_at = $5
WHERE id = $1`,
		delivery.ID, delivery.Status, delivery.RunID, delivery.Reason, delivery.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "update delivery %s", delivery.ID)
	}
	return affectedOne(tag, "delivery %s not found", delivery.ID)
}

// RecordResult updates the consecutive failure counter under a row lock and
// pauses the trigger once the threshold is crossed.
func (r *triggerRepo) RecordResult(ctx context.Context, triggerID string, success bool, now time.Time) (*core.EventTrigger, error) {
	var updated *core.EventTrigger
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		trig, err := scanTrigger(tx.QueryRow(ctx,
			`SELECT `+triggerColumns+` FROM workflow_event_triggers WHERE id = $1 FOR UPDATE`, triggerID))
		if err != nil {
			return notFound(err, "trigger %s not found", triggerID)
		}

		if success {
			trig.ConsecutiveFailures = 0
			trig.Paused = false
			trig.PausedReason = ""
			trig.PausedUntil = nil
		} else {
			trig.ConsecutiveFailures++
			if trig.FailureThreshold > 0 && trig.ConsecutiveFailures >= trig.FailureThreshold {
				trig.Paused = true
				trig.PausedReason = "consecutive failure threshold reached"
			}
		}
		trig.UpdatedAt = now

		_, err = tx.Exec(ctx, `
UPDATE workflow_event_triggers SET consecutive_failures = $2, paused = $3,
    paused_reason = $4, paused_until = $5, updated_at = $6
WHERE id = $1`, triggerID, trig.ConsecutiveFailures, trig.Paused,
			trig.PausedReason, trig.PausedUntil, trig.UpdatedAt)
		if err != nil {
			return core.TransientErr(err, "record trigger result %s", triggerID)
		}
		updated = trig
		return nil
	})
	return updated, err
}

func (r *triggerRepo) TouchMatched(ctx context.Context, triggerID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE workflow_event_triggers SET last_matched_at = $2, updated_at = $2
WHERE id = $1`, triggerID, at)
	if err != nil {
		return core.TransientErr(err, "touch trigger %s", triggerID)
	}
	return affectedOne(tag, "trigger %s not found", triggerID)
}
