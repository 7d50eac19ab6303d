package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type assetRepo struct {
	pool *pgxpool.Pool
}

func (r *assetRepo) ReplaceDeclarations(ctx context.Context, defID string, decls []core.AssetDeclaration) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM workflow_asset_declarations WHERE workflow_definition_id = $1`, defID); err != nil {
			return core.TransientErr(err, "clear declarations for %s", defID)
		}
		for i := range decls {
			decl := &decls[i]
			if decl.ID == "" {
				decl.ID = uuid.NewString()
			}
			_, err := tx.Exec(ctx, `
INSERT INTO workflow_asset_declarations (
    id, workflow_definition_id, step_id, direction, asset_id, asset_schema,
    freshness, auto_materialize, partitioning
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				decl.ID, defID, decl.StepID, decl.Direction, decl.AssetID,
				decl.Schema, decl.Freshness, decl.AutoMaterialize, decl.Partitioning)
			if isUniqueViolation(err, "") {
				return core.ConflictErr("duplicate asset declaration %s for step %s", decl.AssetID, decl.StepID)
			}
			if err != nil {
				return core.TransientErr(err, "insert declaration %s", decl.AssetID)
			}
		}
		return nil
	})
}

func (r *assetRepo) ListDeclarations(ctx context.Context, defID string) ([]core.AssetDeclaration, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, workflow_definition_id, step_id, direction, asset_id, asset_schema,
       freshness, auto_materialize, partitioning
FROM workflow_asset_declarations
WHERE workflow_definition_id = $1
ORDER BY step_id, asset_id`, defID)
	if err != nil {
		return nil, core.TransientErr(err, "list declarations for %s", defID)
	}
	defer rows.Close()

	var decls []core.AssetDeclaration
	for rows.Next() {
		var decl core.AssetDeclaration
		err := rows.Scan(&decl.ID, &decl.WorkflowDefID, &decl.StepID, &decl.Direction,
			&decl.AssetID, &decl.Schema, &decl.Freshness, &decl.AutoMaterialize,
			&decl.Partitioning)
		if err != nil {
			return nil, core.TransientErr(err, "scan declaration")
		}
		decls = append(decls, decl)
	}
	return decls, rows.Err()
}

func upsertMaterializationTx(ctx context.Context, tx pgx.Tx, mat *core.AssetMaterialization) error {
	if mat.ID == "" {
		mat.ID = uuid.NewString()
	}
	now := nowUTC()
	if mat.CreatedAt.IsZero() {
		mat.CreatedAt = now
	}
	mat.UpdatedAt = now
	_, err := tx.Exec(ctx, `
INSERT INTO workflow_run_step_assets (
    id, workflow_definition_id, workflow_run_id, workflow_run_step_id, step_id,
    asset_id, partition_key, payload, asset_schema, freshness, produced_at,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (workflow_run_step_id, asset_id, COALESCE(partition_key, ''))
DO UPDATE SET payload = EXCLUDED.payload, asset_schema = EXCLUDED.asset_schema,
    freshness = EXCLUDED.freshness, produced_at = EXCLUDED.produced_at,
    updated_at = EXCLUDED.updated_at`,
		mat.ID, mat.WorkflowDefID, mat.RunID, mat.RunStepID, mat.StepID,
		mat.AssetID, mat.PartitionKey, mat.Payload, mat.Schema, mat.Freshness,
		mat.ProducedAt, mat.CreatedAt, mat.UpdatedAt)
	if err != nil {
		return core.TransientErr(err, "upsert materialization %s", mat.AssetID)
	}

	// A fresh materialization clears any stale marker for the partition.
	_, err = tx.Exec(ctx, `
DELETE FROM asset_stale_partitions
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')`,
		mat.WorkflowDefID, mat.AssetID, mat.PartitionKey)
	if err != nil {
		return core.TransientErr(err, "clear stale marker for %s", mat.AssetID)
	}
	return nil
}

func (r *assetRepo) Upsert(ctx context.Context, mat *core.AssetMaterialization) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return upsertMaterializationTx(ctx, tx, mat)
	})
}

const materializationColumns = `
id, workflow_definition_id, workflow_run_id, workflow_run_step_id, step_id,
asset_id, partition_key, payload, asset_schema, freshness, produced_at,
created_at, updated_at`

func scanMaterialization(row pgx.Row) (*core.AssetMaterialization, error) {
	var mat core.AssetMaterialization
	err := row.Scan(&mat.ID, &mat.WorkflowDefID, &mat.RunID, &mat.RunStepID,
		&mat.StepID, &mat.AssetID, &mat.PartitionKey, &mat.Payload, &mat.Schema,
		&mat.Freshness, &mat.ProducedAt, &mat.CreatedAt, &mat.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &mat, nil
}

func (r *assetRepo) Latest(ctx context.Context, defID, assetID string, partitionKey *string) (*core.AssetMaterialization, error) {
	mat, err := scanMaterialization(r.pool.QueryRow(ctx, `
SELECT `+materializationColumns+` FROM workflow_run_step_assets
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')
ORDER BY produced_at DESC, updated_at DESC, created_at DESC, workflow_run_id DESC
LIMIT 1`, defID, assetID, partitionKey))
	if err != nil {
		return nil, notFound(err, "asset %s has no materialization", assetID)
	}
	return mat, nil
}

func (r *assetRepo) ListPartitions(ctx context.Context, defID, assetID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT DISTINCT COALESCE(partition_key, '') FROM workflow_run_step_assets
WHERE workflow_definition_id = $1 AND asset_id = $2
ORDER BY 1`, defID, assetID)
	if err != nil {
		return nil, core.TransientErr(err, "list partitions for %s", assetID)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, core.TransientErr(err, "list partitions for %s", assetID)
	}
	return keys, nil
}

func (r *assetRepo) MarkStale(ctx context.Context, stale *core.AssetStalePartition) error {
	if stale.RequestedAt.IsZero() {
		stale.RequestedAt = nowUTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO asset_stale_partitions (workflow_definition_id, asset_id, partition_key, requested_by, requested_at, note)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workflow_definition_id, asset_id, COALESCE(partition_key, ''))
DO UPDATE SET requested_by = EXCLUDED.requested_by,
    requested_at = EXCLUDED.requested_at, note = EXCLUDED.note`,
		stale.WorkflowDefID, stale.AssetID, stale.PartitionKey,
		stale.RequestedBy, stale.RequestedAt, stale.Note)
	if err != nil {
		return core.TransientErr(err, "mark %s stale", stale.AssetID)
	}
	return nil
}

func (r *assetRepo) ClearStale(ctx context.Context, defID, assetID string, partitionKey *string) error {
	_, err := r.pool.Exec(ctx, `
DELETE FROM asset_stale_partitions
WHERE workflow_definition_id = $1 AND asset_id = $2
  AND COALESCE(partition_key, '') = COALESCE($3, '')`,
		defID, assetID, partitionKey)
	if err != nil {
		return core.TransientErr(err, "clear stale marker for %s", assetID)
	}
	return nil
}

func (r *assetRepo) ListStale(ctx context.Context, defID string) ([]core.AssetStalePartition, error) {
	rows, err := r.pool.Query(ctx, `
SELECT workflow_definition_id, asset_id, partition_key, requested_by, requested_at, note
FROM asset_stale_partitions
WHERE workflow_definition_id = $1
ORDER BY asset_id, COALESCE(partition_key, '')`, defID)
	if err != nil {
		return nil, core.TransientErr(err, "list stale partitions for %s", defID)
	}
	defer rows.Close()

	var stale []core.AssetStalePartition
	for rows.Next() {
		var row core.AssetStalePartition
		err := rows.Scan(&row.WorkflowDefID, &row.AssetID, &row.PartitionKey,
			&row.RequestedBy, &row.RequestedAt, &row.Note)
		if err != nil {
			return nil, core.TransientErr(err, "scan stale partition")
		}
		stale = append(stale, row)
	}
	return stale, rows.Err()
}

func (r *assetRepo) UpsertPartitionParameters(ctx context.Context, params *core.AssetPartitionParameters) error {
	if params.CapturedAt.IsZero() {
		params.CapturedAt = nowUTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO asset_partition_parameters (workflow_definition_id, asset_id, partition_key, parameters, source, captured_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workflow_definition_id, asset_id, partition_key)
DO UPDATE SET parameters = EXCLUDED.parameters, source = EXCLUDED.source,
    captured_at = EXCLUDED.captured_at`,
		params.WorkflowDefID, params.AssetID, params.PartitionKey,
		params.Parameters, params.Source, params.CapturedAt)
	if err != nil {
		return core.TransientErr(err, "upsert partition parameters for %s", params.AssetID)
	}
	return nil
}

func (r *assetRepo) GetPartitionParameters(ctx context.Context, defID, assetID, partitionKey string) (*core.AssetPartitionParameters, error) {
	var params core.AssetPartitionParameters
	err := r.pool.QueryRow(ctx, `
SELECT workflow_definition_id, asset_id, partition_key, parameters, source, captured_at
FROM asset_partition_parameters
WHERE workflow_definition_id = $1 AND asset_id = $2 AND partition_key = $3`,
		defID, assetID, partitionKey).
		Scan(&params.WorkflowDefID, &params.AssetID, &params.PartitionKey,
			&params.Parameters, &params.Source, &params.CapturedAt)
	if err != nil {
		return nil, notFound(err, "partition parameters for %s/%s not found", assetID, partitionKey)
	}
	return &params, nil
}
