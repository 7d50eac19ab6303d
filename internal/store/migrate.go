package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
)

type migration struct {
	id  string
	sql string
}

// migrations run in order; applied ids are recorded in schema_migrations so
// reruns are no-ops.
var migrations = []migration{
	{
		id: "001_workflow_definitions",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_definitions (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL,
    name TEXT NOT NULL,
    version INT NOT NULL DEFAULT 1,
    description TEXT NOT NULL DEFAULT '',
    steps JSONB NOT NULL,
    triggers JSONB,
    parameters_schema JSONB,
    default_parameters JSONB,
    output_schema JSONB,
    metadata JSONB,
    dag JSONB,
    schedule_next_run_at TIMESTAMPTZ,
    schedule_last_materialized_window JSONB,
    schedule_catchup_cursor TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (slug, version)
);`,
	},
	{
		id: "002_workflow_runs",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id TEXT PRIMARY KEY,
    workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions (id),
    status TEXT NOT NULL DEFAULT 'pending',
    parameters JSONB,
    context JSONB,
    output JSONB,
    error_message TEXT,
    current_step_id TEXT,
    current_step_index INT,
    metrics JSONB,
    triggered_by TEXT,
    "trigger" JSONB,
    partition_key TEXT,
    run_key TEXT,
    run_key_normalized TEXT,
    claim_owner TEXT,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    duration_ms BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_runs_definition_idx
    ON workflow_runs (workflow_definition_id, created_at DESC);
CREATE INDEX IF NOT EXISTS workflow_runs_status_idx
    ON workflow_runs (status);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_active_run_key_idx
    ON workflow_runs (workflow_definition_id, run_key_normalized)
    WHERE run_key_normalized IS NOT NULL AND status IN ('pending', 'running');`,
	},
	{
		id: "003_workflow_run_steps",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_run_steps (
    id TEXT PRIMARY KEY,
    workflow_run_id TEXT NOT NULL REFERENCES workflow_runs (id),
    step_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempt INT NOT NULL DEFAULT 1,
    retry_count INT NOT NULL DEFAULT 0,
    last_heartbeat_at TIMESTAMPTZ,
    failure_reason TEXT,
    error_message TEXT,
    job_run_id TEXT,
    input JSONB,
    output JSONB,
    parent_step_id TEXT,
    fanout_index INT,
    template_step_id TEXT,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (workflow_run_id, step_id)
);
CREATE INDEX IF NOT EXISTS workflow_run_steps_run_idx
    ON workflow_run_steps (workflow_run_id);`,
	},
	{
		id: "004_asset_declarations",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_asset_declarations (
    id TEXT PRIMARY KEY,
    workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions (id),
    step_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    asset_schema JSONB,
    freshness JSONB,
    auto_materialize JSONB,
    partitioning JSONB,
    UNIQUE (workflow_definition_id, step_id, direction, asset_id)
);`,
	},
	{
		id: "005_run_step_assets",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
    id TEXT PRIMARY KEY,
    workflow_definition_id TEXT NOT NULL,
    workflow_run_id TEXT NOT NULL,
    workflow_run_step_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    partition_key TEXT,
    payload JSONB,
    asset_schema JSONB,
    freshness JSONB,
    produced_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_run_step_assets_unique_idx
    ON workflow_run_step_assets (workflow_run_step_id, asset_id, COALESCE(partition_key, ''));
CREATE INDEX IF NOT EXISTS workflow_run_step_assets_lookup_idx
    ON workflow_run_step_assets (workflow_definition_id, asset_id, COALESCE(partition_key, ''), produced_at DESC);`,
	},
	{
		id: "006_asset_stale_partitions",
		sql: `
CREATE TABLE IF NOT EXISTS asset_stale_partitions (
    workflow_definition_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    partition_key TEXT,
    requested_by TEXT NOT NULL,
    requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    note TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS asset_stale_partitions_unique_idx
    ON asset_stale_partitions (workflow_definition_id, asset_id, COALESCE(partition_key, ''));`,
	},
	{
		id: "007_asset_partition_parameters",
		sql: `
CREATE TABLE IF NOT EXISTS asset_partition_parameters (
    workflow_definition_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    parameters JSONB NOT NULL,
    source TEXT NOT NULL DEFAULT 'manual',
    captured_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (workflow_definition_id, asset_id, partition_key)
);`,
	},
	{
		id: "008_job_bundles",
		sql: `
CREATE TABLE IF NOT EXISTS job_bundles (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    latest_version TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS job_bundle_versions (
    id TEXT PRIMARY KEY,
    bundle_id TEXT NOT NULL REFERENCES job_bundles (id),
    slug TEXT NOT NULL,
    version TEXT NOT NULL,
    manifest JSONB,
    checksum TEXT NOT NULL,
    capability_flags TEXT[],
    artifact_storage TEXT NOT NULL,
    artifact_path TEXT NOT NULL,
    artifact_content_type TEXT NOT NULL DEFAULT '',
    artifact_size BIGINT,
    immutable BOOLEAN NOT NULL DEFAULT TRUE,
    status TEXT NOT NULL DEFAULT 'published',
    published_by TEXT NOT NULL DEFAULT '',
    published_by_kind TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deprecated_at TIMESTAMPTZ,
    UNIQUE (slug, version)
);`,
	},
	{
		id: "009_job_runs",
		sql: `
CREATE TABLE IF NOT EXISTS job_runs (
    id TEXT PRIMARY KEY,
    job_definition_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    parameters JSONB,
    result JSONB,
    metrics JSONB,
    context JSONB,
    attempt INT NOT NULL DEFAULT 1,
    max_attempts INT NOT NULL DEFAULT 1,
    duration_ms BIGINT,
    last_heartbeat_at TIMESTAMPTZ,
    retry_count INT NOT NULL DEFAULT 0,
    failure_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		id: "010_execution_history",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_execution_history (
    id TEXT PRIMARY KEY,
    workflow_run_id TEXT NOT NULL,
    workflow_run_step_id TEXT,
    step_id TEXT,
    event_type TEXT NOT NULL,
    event_payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_execution_history_run_idx
    ON workflow_execution_history (workflow_run_id, created_at);`,
	},
	{
		id: "011_audit_logs",
		sql: `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    actor_kind TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    resource TEXT NOT NULL,
    status TEXT NOT NULL,
    scopes TEXT[],
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		id: "012_schedules",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_schedules (
    id TEXT PRIMARY KEY,
    workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions (id),
    cron TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT '',
    starts_at TIMESTAMPTZ,
    ends_at TIMESTAMPTZ,
    catch_up BOOLEAN NOT NULL DEFAULT FALSE,
    next_run_at TIMESTAMPTZ,
    catchup_cursor TIMESTAMPTZ,
    last_materialized_window JSONB,
    parameters JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_schedules_due_idx
    ON workflow_schedules (next_run_at) WHERE next_run_at IS NOT NULL;`,
	},
	{
		id: "013_event_triggers",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_event_triggers (
    id TEXT PRIMARY KEY,
    workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions (id),
    event_type TEXT NOT NULL,
    event_source TEXT NOT NULL DEFAULT '',
    predicate TEXT NOT NULL DEFAULT '',
    throttle_ms BIGINT NOT NULL DEFAULT 0,
    failure_threshold INT NOT NULL DEFAULT 0,
    parameters JSONB,
    paused BOOLEAN NOT NULL DEFAULT FALSE,
    paused_reason TEXT NOT NULL DEFAULT '',
    paused_until TIMESTAMPTZ,
    consecutive_failures INT NOT NULL DEFAULT 0,
    last_matched_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_event_triggers_match_idx
    ON workflow_event_triggers (event_type, event_source);
CREATE TABLE IF NOT EXISTS trigger_deliveries (
    id TEXT PRIMARY KEY,
    trigger_id TEXT NOT NULL REFERENCES workflow_event_triggers (id),
    event_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    workflow_run_id TEXT,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (trigger_id, event_id)
);`,
	},
	{
		id: "014_auto_run_claims",
		sql: `
CREATE TABLE IF NOT EXISTS asset_auto_run_claims (
    workflow_definition_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    partition_key TEXT,
    workflow_run_id TEXT NOT NULL,
    failures INT NOT NULL DEFAULT 0,
    next_eligible_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS asset_auto_run_claims_unique_idx
    ON asset_auto_run_claims (workflow_definition_id, asset_id, COALESCE(partition_key, ''));`,
	},
	{
		id: "015_event_producer_samples",
		sql: `
CREATE TABLE IF NOT EXISTS workflow_event_producer_samples (
    workflow_definition_id TEXT NOT NULL,
    workflow_run_id TEXT NOT NULL DEFAULT '',
    workflow_run_step_id TEXT NOT NULL DEFAULT '',
    job_run_id TEXT NOT NULL DEFAULT '',
    job_slug TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    sample_count BIGINT NOT NULL DEFAULT 1,
    first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (workflow_definition_id, workflow_run_id, workflow_run_step_id, job_run_id, job_slug, event_type)
);`,
	},
	{
		id: "016_job_bundle_artifact_columns",
		sql: `
ALTER TABLE job_bundle_versions
    ADD COLUMN IF NOT EXISTS artifact_data BYTEA,
    ADD COLUMN IF NOT EXISTS published_by_token_hash TEXT;`,
	},
}

// Migrate applies pending migrations in order. Safe to call on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return core.TransientErr(err, "create schema_migrations")
	}

	applied := map[string]bool{}
	rows, err := s.pool.Query(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return core.TransientErr(err, "read schema_migrations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return core.TransientErr(err, "read schema_migrations")
	}
	for _, id := range ids {
		applied[id] = true
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return core.TransientErr(err, "apply migration %s", m.id)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, m.id); err != nil {
				return core.TransientErr(err, "record migration %s", m.id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info(ctx, "Applied migration", "id", m.id)
	}
	return nil
}
