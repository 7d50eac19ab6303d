package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type autoRunRepo struct {
	pool *pgxpool.Pool
}

func (r *autoRunRepo) RecordClaim(ctx context.Context, claim *core.AutoRunClaim) error {
	now := nowUTC()
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = now
	}
	claim.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
INSERT INTO asset_auto_run_claims (
    workflow_definition_id, asset_id, partition_key, workflow_run_id,
    failures, next_eligible_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (workflow_definition_id, asset_id, COALESCE(partition_key, ''))
DO UPDATE SET workflow_run_id = EXCLUDED.workflow_run_id,
    updated_at = EXCLUDED.updated_at`,
		claim.WorkflowDefID, claim.AssetID, claim.PartitionKey, claim.RunID,
		claim.Failures, claim.NextEligibleAt, claim.CreatedAt, claim.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "record auto-run claim for %s", claim.AssetID)
	}
	return nil
}

func (r *autoRunRepo) Get(ctx context.Context, defID, assetID string, partitionKey *string) (*core.AutoRunClaim, error) {
	var claim core.AutoRunClaim
	err := r.pool.QueryRow(ctx, `
SELECT workflow_definition_id, asset_id, partition_key, workflow_run_id,
       failures, next_eligible_at, created_at, updated_at
FROM asset_auto_run_claims
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')`,
		defID, assetID, partitionKey).
		Scan(&claim.WorkflowDefID, &claim.AssetID, &claim.PartitionKey,
			&claim.RunID, &claim.Failures, &claim.NextEligibleAt,
			&claim.CreatedAt, &claim.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "auto-run claim for %s not found", assetID)
	}
	return &claim, nil
}

func (r *autoRunRepo) RecordFailure(ctx context.Context, defID, assetID string, partitionKey *string, nextEligibleAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE asset_auto_run_claims SET failures = failures + 1,
    next_eligible_at = $4, updated_at = $5
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')`,
		defID, assetID, partitionKey, nextEligibleAt, nowUTC())
	if err != nil {
		return core.TransientErr(err, "record auto-run failure for %s", assetID)
	}
	return affectedOne(tag, "auto-run claim for %s not found", assetID)
}

func (r *autoRunRepo) ClearFailures(ctx context.Context, defID, assetID string, partitionKey *string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset_auto_run_claims SET failures = 0, next_eligible_at = NULL, updated_at = $4
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')`,
		defID, assetID, partitionKey, nowUTC())
	if err != nil {
		return core.TransientErr(err, "clear auto-run failures for %s", assetID)
	}
	return nil
}

type sampleRepo struct {
	pool *pgxpool.Pool
}

func (r *sampleRepo) RecordProducerSample(ctx context.Context, meta core.WorkflowEventMetadata, eventType string, observedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO workflow_event_producer_samples (
    workflow_definition_id, workflow_run_id, workflow_run_step_id, job_run_id,
    job_slug, event_type, sample_count, first_seen_at, last_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
ON CONFLICT (workflow_definition_id, workflow_run_id, workflow_run_step_id, job_run_id, job_slug, event_type)
DO UPDATE SET sample_count = workflow_event_producer_samples.sample_count + 1,
    last_seen_at = EXCLUDED.last_seen_at`,
		meta.WorkflowDefinitionID, meta.WorkflowRunID, meta.WorkflowRunStepID,
		meta.JobRunID, meta.JobSlug, eventType, observedAt)
	if err != nil {
		return core.TransientErr(err, "record producer sample")
	}
	return nil
}

// PruneExpired drops sample rows older than the TTL, and when the table has
// overflowed the threshold, the oldest rows beyond it as well.
func (r *sampleRepo) PruneExpired(ctx context.Context, ttl time.Duration, overflowThreshold int) (int64, error) {
	cutoff := nowUTC().Add(-ttl)
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM workflow_event_producer_samples WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, core.TransientErr(err, "prune expired samples")
	}
	pruned := tag.RowsAffected()

	if overflowThreshold > 0 {
		tag, err = r.pool.Exec(ctx, `
DELETE FROM workflow_event_producer_samples
WHERE (workflow_definition_id, workflow_run_id, workflow_run_step_id, job_run_id, job_slug, event_type) IN (
    SELECT workflow_definition_id, workflow_run_id, workflow_run_step_id, job_run_id, job_slug, event_type
    FROM workflow_event_producer_samples
    ORDER BY last_seen_at DESC
    OFFSET $1
)`, overflowThreshold)
		if err != nil {
			return pruned, core.TransientErr(err, "prune overflow samples")
		}
		pruned += tag.RowsAffected()
	}
	return pruned, nil
}
