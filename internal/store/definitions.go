package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
)

type definitionRepo struct {
	pool *pgxpool.Pool
}

const definitionColumns = `
id, slug, name, version, description, steps, triggers, parameters_schema,
default_parameters, output_schema, metadata, dag, schedule_next_run_at,
schedule_last_materialized_window, schedule_catchup_cursor, created_at, updated_at`

func scanDefinition(row pgx.Row) (*core.WorkflowDefinition, error) {
	var (
		def      core.WorkflowDefinition
		steps    []byte
		triggers []byte
		dag      []byte
	)
	err := row.Scan(
		&def.ID, &def.Slug, &def.Name, &def.Version, &def.Description,
		&steps, &triggers, &def.ParametersSchema, &def.DefaultParameters,
		&def.OutputSchema, &def.Metadata, &dag, &def.ScheduleNextRunAt,
		&def.ScheduleLastMaterializedWindow, &def.ScheduleCatchupCursor,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return nil, core.WrapError(core.KindFatal, err, "decode definition steps")
	}
	if len(triggers) > 0 && string(triggers) != "null" {
		if err := json.Unmarshal(triggers, &def.Triggers); err != nil {
			return nil, core.WrapError(core.KindFatal, err, "decode definition triggers")
		}
	}
	if len(dag) > 0 && string(dag) != "null" {
		def.Dag = &core.DagMetadata{}
		if err := json.Unmarshal(dag, def.Dag); err != nil {
			return nil, core.WrapError(core.KindFatal, err, "decode definition dag")
		}
	}
	return &def, nil
}

func (r *definitionRepo) Create(ctx context.Context, def *core.WorkflowDefinition) error {
	def.CreatedAt = nowUTC()
	def.UpdatedAt = def.CreatedAt
	_, err := r.pool.Exec(ctx, `
INSERT INTO workflow_definitions (
    id, slug, name, version, description, steps, triggers, parameters_schema,
    default_parameters, output_schema, metadata, dag, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		def.ID, def.Slug, def.Name, def.Version, def.Description,
		def.Steps, def.Triggers, def.ParametersSchema, def.DefaultParameters,
		def.OutputSchema, def.Metadata, def.Dag, def.CreatedAt, def.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return core.ConflictErr("definition %s version %d already exists", def.Slug, def.Version)
	}
	if err != nil {
		return core.TransientErr(err, "insert definition %s", def.Slug)
	}
	return nil
}

func (r *definitionRepo) Update(ctx context.Context, def *core.WorkflowDefinition) error {
	def.UpdatedAt = nowUTC()
	tag, err := r.pool.Exec(ctx, `
UPDATE workflow_definitions SET
    name = $2, description = $3, steps = $4, triggers = $5,
    parameters_schema = $6, default_parameters = $7, output_schema = $8,
    metadata = $9, dag = $10, schedule_next_run_at = $11,
    schedule_last_materialized_window = $12, schedule_catchup_cursor = $13,
    updated_at = $14
WHERE id = $1`,
		def.ID, def.Name, def.Description, def.Steps, def.Triggers,
		def.ParametersSchema, def.DefaultParameters, def.OutputSchema,
		def.Metadata, def.Dag, def.ScheduleNextRunAt,
		def.ScheduleLastMaterializedWindow, def.ScheduleCatchupCursor,
		def.UpdatedAt,
	)
	if err != nil {
		return core.TransientErr(err, "update definition %s", def.ID)
	}
	return affectedOne(tag, "definition %s not found", def.ID)
}

func (r *definitionRepo) GetByID(ctx context.Context, id string) (*core.WorkflowDefinition, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err, "definition %s not found", id)
	}
	return def, nil
}

func (r *definitionRepo) GetBySlug(ctx context.Context, slug string) (*core.WorkflowDefinition, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE slug = $1 ORDER BY version DESC LIMIT 1`, slug)
	def, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err, "definition %s not found", slug)
	}
	return def, nil
}

func (r *definitionRepo) List(ctx context.Context) ([]*core.WorkflowDefinition, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+definitionColumns+` FROM workflow_definitions d
WHERE version = (SELECT max(version) FROM workflow_definitions WHERE slug = d.slug)
ORDER BY slug`)
	if err != nil {
		return nil, core.TransientErr(err, "list definitions")
	}
	defer rows.Close()

	var defs []*core.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, core.TransientErr(err, "scan definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
