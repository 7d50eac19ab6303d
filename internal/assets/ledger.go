package assets

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
)

// Ledger records produced assets and answers staleness questions for the
// auto-materialization loop.
type Ledger struct {
	assets models.AssetRepo
	audit  models.AuditRepo
}

func NewLedger(assets models.AssetRepo, audit models.AuditRepo) *Ledger {
	return &Ledger{assets: assets, audit: audit}
}

// Prepare validates a produced asset against its declaration and builds
// the materialization row. The row is persisted atomically with the step
// completion by the state store.
func (l *Ledger) Prepare(ctx context.Context, def *core.WorkflowDefinition, step *core.WorkflowRunStep, declStepID, assetID string, partitionKey *string, payload map[string]any) (*core.AssetMaterialization, error) {
	decl, err := l.declaration(ctx, def, declStepID, assetID)
	if err != nil {
		return nil, err
	}

	if decl.Partitioning != nil {
		if partitionKey == nil || *partitionKey == "" {
			return nil, core.ValidationErr("asset %q is partitioned; partitionKey is required", assetID)
		}
		if err := ValidateKey(decl.Partitioning, *partitionKey); err != nil {
			return nil, err
		}
	} else if partitionKey != nil && *partitionKey != "" {
		return nil, core.ValidationErr("asset %q is not partitioned; partitionKey is not allowed", assetID)
	}

	now := time.Now().UTC()
	return &core.AssetMaterialization{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		RunID:         step.RunID,
		RunStepID:     step.ID,
		StepID:        step.StepID,
		AssetID:       assetID,
		PartitionKey:  partitionKey,
		Payload:       payload,
		Schema:        decl.Schema,
		Freshness:     decl.Freshness,
		ProducedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Record inserts or updates a materialization outside of step completion.
// The store clears any stale marker for the partition in the same
// transaction.
func (l *Ledger) Record(ctx context.Context, mat *core.AssetMaterialization) error {
	return l.assets.Upsert(ctx, mat)
}

// Latest returns the newest materialization for the asset (and partition
// when given).
func (l *Ledger) Latest(ctx context.Context, defID, assetID string, partitionKey *string) (*core.AssetMaterialization, error) {
	return l.assets.Latest(ctx, defID, assetID, partitionKey)
}

// MarkStale is the operator/policy entry point for flagging a partition.
func (l *Ledger) MarkStale(ctx context.Context, defID, assetID string, partitionKey *string, requestedBy, note string) error {
	stale := &core.AssetStalePartition{
		WorkflowDefID: defID,
		AssetID:       assetID,
		PartitionKey:  partitionKey,
		RequestedBy:   requestedBy,
		RequestedAt:   time.Now().UTC(),
		Note:          note,
	}
	if err := l.assets.MarkStale(ctx, stale); err != nil {
		return err
	}
	return l.auditStale(ctx, "asset.stale.mark", defID, assetID, partitionKey, requestedBy)
}

// ClearStale removes a stale marker.
func (l *Ledger) ClearStale(ctx context.Context, defID, assetID string, partitionKey *string, requestedBy string) error {
	if err := l.assets.ClearStale(ctx, defID, assetID, partitionKey); err != nil {
		return err
	}
	return l.auditStale(ctx, "asset.stale.clear", defID, assetID, partitionKey, requestedBy)
}

func (l *Ledger) auditStale(ctx context.Context, action, defID, assetID string, partitionKey *string, actor string) error {
	if l.audit == nil {
		return nil
	}
	meta := map[string]any{"assetId": assetID}
	if partitionKey != nil {
		meta["partitionKey"] = *partitionKey
	}
	return l.audit.Append(ctx, &core.AuditLog{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Resource:  "workflow-definition:" + defID,
		Status:    "succeeded",
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	})
}

// OutOfDatePartitions returns the partition keys (nil-keyed assets yield a
// single empty key) whose latest materialization is missing, stale-marked,
// or older than an upstream the producing step consumes. The trigger
// dispatcher consumes this to enqueue auto-materialization runs.
func (l *Ledger) OutOfDatePartitions(ctx context.Context, def *core.WorkflowDefinition, decl *core.AssetDeclaration, now time.Time) ([]string, error) {
	candidates, err := l.candidateKeys(ctx, def.ID, decl, now)
	if err != nil {
		return nil, err
	}

	staleRows, err := l.assets.ListStale(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	staleKeys := map[string]bool{}
	for _, row := range staleRows {
		if row.AssetID != decl.AssetID {
			continue
		}
		key := ""
		if row.PartitionKey != nil {
			key = *row.PartitionKey
		}
		staleKeys[key] = true
	}

	upstreams := l.upstreamAssets(def, decl.StepID)

	var out []string
	for _, key := range candidates {
		if staleKeys[key] {
			out = append(out, key)
			continue
		}
		var partitionKey *string
		if key != "" {
			k := key
			partitionKey = &k
		}
		latest, err := l.assets.Latest(ctx, def.ID, decl.AssetID, partitionKey)
		if err != nil {
			if core.IsKind(err, core.KindNotFound) {
				out = append(out, key)
				continue
			}
			return nil, err
		}
		for _, upstream := range upstreams {
			upLatest, err := l.assets.Latest(ctx, def.ID, upstream, partitionKey)
			if err != nil {
				if core.IsKind(err, core.KindNotFound) {
					// Fall back to the unpartitioned upstream.
					upLatest, err = l.assets.Latest(ctx, def.ID, upstream, nil)
				}
				if err != nil {
					if core.IsKind(err, core.KindNotFound) {
						continue
					}
					return nil, err
				}
			}
			if upLatest.ProducedAt.After(latest.ProducedAt) {
				out = append(out, key)
				break
			}
		}
	}
	return out, nil
}

func (l *Ledger) candidateKeys(ctx context.Context, defID string, decl *core.AssetDeclaration, now time.Time) ([]string, error) {
	if decl.Partitioning == nil {
		return []string{""}, nil
	}
	switch decl.Partitioning.Type {
	case core.PartitioningTimeWindow:
		return EnumerateWindows(decl.Partitioning, now)
	case core.PartitioningStatic:
		return decl.Partitioning.Keys, nil
	case core.PartitioningDynamic:
		return l.assets.ListPartitions(ctx, defID, decl.AssetID)
	default:
		return nil, core.ValidationErr("unknown partitioning type %q", decl.Partitioning.Type)
	}
}

// upstreamAssets returns the asset ids the producing step consumes.
func (l *Ledger) upstreamAssets(def *core.WorkflowDefinition, stepID string) []string {
	step, ok := def.StepByID(stepID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(step.Consumes))
	for _, c := range step.Consumes {
		ids = append(ids, c.AssetID)
	}
	return ids
}

func (l *Ledger) declaration(ctx context.Context, def *core.WorkflowDefinition, stepID, assetID string) (*core.AssetDeclaration, error) {
	step, ok := def.StepByID(stepID)
	if !ok {
		return nil, core.NotFoundErr("step %q not found in definition %q", stepID, def.Slug)
	}
	for i := range step.Produces {
		if step.Produces[i].AssetID == assetID {
			decl := step.Produces[i]
			decl.StepID = stepID
			decl.WorkflowDefID = def.ID
			return &decl, nil
		}
	}
	return nil, core.ValidationErr("step %q does not declare produced asset %q", stepID, assetID)
}
