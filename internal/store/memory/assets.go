package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
)

type assetRepo Store

func (r *assetRepo) ReplaceDeclarations(_ context.Context, defID string, decls []core.AssetDeclaration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]core.AssetDeclaration, len(decls))
	copy(copied, decls)
	for i := range copied {
		if copied[i].ID == "" {
			copied[i].ID = uuid.NewString()
		}
	}
	r.declarations[defID] = copied
	return nil
}

func (r *assetRepo) ListDeclarations(_ context.Context, defID string) ([]core.AssetDeclaration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	decls := r.declarations[defID]
	out := make([]core.AssetDeclaration, len(decls))
	copy(out, decls)
	return out, nil
}

func (s *Store) upsertMaterializationLocked(mat *core.AssetMaterialization) {
	if mat.ID == "" {
		mat.ID = uuid.NewString()
	}
	now := s.now()
	if mat.CreatedAt.IsZero() {
		mat.CreatedAt = now
	}
	mat.UpdatedAt = now

	for i, existing := range s.materialized {
		if existing.RunStepID == mat.RunStepID && existing.AssetID == mat.AssetID &&
			keyOrEmpty(existing.PartitionKey) == keyOrEmpty(mat.PartitionKey) {
			copied := *mat
			copied.ID = existing.ID
			copied.CreatedAt = existing.CreatedAt
			s.materialized[i] = &copied
			s.clearStaleLocked(mat.WorkflowDefID, mat.AssetID, mat.PartitionKey)
			return
		}
	}
	copied := *mat
	s.materialized = append(s.materialized, &copied)
	s.clearStaleLocked(mat.WorkflowDefID, mat.AssetID, mat.PartitionKey)
}

func (s *Store) clearStaleLocked(defID, assetID string, partitionKey *string) {
	kept := s.stale[:0]
	for _, row := range s.stale {
		if row.WorkflowDefID == defID && row.AssetID == assetID &&
			keyOrEmpty(row.PartitionKey) == keyOrEmpty(partitionKey) {
			continue
		}
		kept = append(kept, row)
	}
	s.stale = kept
}

func (r *assetRepo) Upsert(_ context.Context, mat *core.AssetMaterialization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	(*Store)(r).upsertMaterializationLocked(mat)
	return nil
}

func (r *assetRepo) Latest(_ context.Context, defID, assetID string, partitionKey *string) (*core.AssetMaterialization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *core.AssetMaterialization
	for _, mat := range r.materialized {
		if mat.WorkflowDefID != defID || mat.AssetID != assetID {
			continue
		}
		if keyOrEmpty(mat.PartitionKey) != keyOrEmpty(partitionKey) {
			continue
		}
		if best == nil || newerMaterialization(mat, best) {
			best = mat
		}
	}
	if best == nil {
		return nil, core.NotFoundErr("asset %s has no materialization", assetID)
	}
	copied := *best
	return &copied, nil
}

// newerMaterialization orders by producedAt, then updatedAt, createdAt and
// runId, matching the Postgres tie-break.
func newerMaterialization(a, b *core.AssetMaterialization) bool {
	if !a.ProducedAt.Equal(b.ProducedAt) {
		return a.ProducedAt.After(b.ProducedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.RunID > b.RunID
}

func (r *assetRepo) ListPartitions(_ context.Context, defID, assetID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, mat := range r.materialized {
		if mat.WorkflowDefID == defID && mat.AssetID == assetID {
			seen[keyOrEmpty(mat.PartitionKey)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (r *assetRepo) MarkStale(_ context.Context, stale *core.AssetStalePartition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stale.RequestedAt.IsZero() {
		stale.RequestedAt = (*Store)(r).now()
	}
	(*Store)(r).clearStaleLocked(stale.WorkflowDefID, stale.AssetID, stale.PartitionKey)
	copied := *stale
	r.stale = append(r.stale, &copied)
	return nil
}

func (r *assetRepo) ClearStale(_ context.Context, defID, assetID string, partitionKey *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	(*Store)(r).clearStaleLocked(defID, assetID, partitionKey)
	return nil
}

func (r *assetRepo) ListStale(_ context.Context, defID string) ([]core.AssetStalePartition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.AssetStalePartition
	for _, row := range r.stale {
		if row.WorkflowDefID == defID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func paramsKey(defID, assetID, partitionKey string) string {
	return defID + "|" + assetID + "|" + partitionKey
}

func (r *assetRepo) UpsertPartitionParameters(_ context.Context, params *core.AssetPartitionParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if params.CapturedAt.IsZero() {
		params.CapturedAt = (*Store)(r).now()
	}
	copied := *params
	r.partitionParams[paramsKey(params.WorkflowDefID, params.AssetID, params.PartitionKey)] = &copied
	return nil
}

func (r *assetRepo) GetPartitionParameters(_ context.Context, defID, assetID, partitionKey string) (*core.AssetPartitionParameters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	params, ok := r.partitionParams[paramsKey(defID, assetID, partitionKey)]
	if !ok {
		return nil, core.NotFoundErr("partition parameters for %s/%s not found", assetID, partitionKey)
	}
	copied := *params
	return &copied, nil
}

// --- schedules ---

type scheduleRepo Store

func (r *scheduleRepo) Create(_ context.Context, sched *core.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = (*Store)(r).now()
	sched.UpdatedAt = sched.CreatedAt
	copied := *sched
	r.schedules[sched.ID] = &copied
	return nil
}

func (r *scheduleRepo) Get(_ context.Context, id string) (*core.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sched, ok := r.schedules[id]
	if !ok {
		return nil, core.NotFoundErr("schedule %s not found", id)
	}
	copied := *sched
	return &copied, nil
}

func (r *scheduleRepo) ListByDefinition(_ context.Context, defID string) ([]*core.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Schedule
	for _, sched := range r.schedules {
		if sched.WorkflowDefID == defID {
			copied := *sched
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *scheduleRepo) ClaimDue(ctx context.Context, now time.Time, limit int, handle func(ctx context.Context, sched *core.Schedule) (*models.ScheduleAdvance, error)) error {
	if limit <= 0 {
		limit = 20
	}

	r.mu.Lock()
	var due []*core.Schedule
	for _, sched := range r.schedules {
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if sched.StartsAt != nil && sched.StartsAt.After(now) {
			continue
		}
		if sched.EndsAt != nil && sched.EndsAt.Before(now) {
			continue
		}
		copied := *sched
		due = append(due, &copied)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	r.mu.Unlock()

	for _, sched := range due {
		advance, err := handle(ctx, sched)
		if err != nil || advance == nil {
			continue
		}
		r.mu.Lock()
		if stored, ok := r.schedules[sched.ID]; ok {
			next := advance.NextRunAt
			stored.NextRunAt = &next
			stored.CatchupCursor = advance.CatchupCursor
			stored.LastMaterializedWindow = advance.LastMaterializedWindow
			stored.UpdatedAt = (*Store)(r).now()
		}
		r.mu.Unlock()
	}
	return nil
}

// --- triggers ---

type triggerRepo Store

func (r *triggerRepo) Create(_ context.Context, trigger *core.EventTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.CreatedAt = (*Store)(r).now()
	trigger.UpdatedAt = trigger.CreatedAt
	copied := *trigger
	r.triggers[trigger.ID] = &copied
	return nil
}

func (r *triggerRepo) ListMatching(_ context.Context, eventType, eventSource string) ([]*core.EventTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.EventTrigger
	for _, trig := range r.triggers {
		if trig.EventType != eventType {
			continue
		}
		if trig.EventSource != "" && trig.EventSource != eventSource {
			continue
		}
		copied := *trig
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *triggerRepo) CreateDelivery(_ context.Context, delivery *core.TriggerDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deliveries {
		if existing.TriggerID == delivery.TriggerID && existing.EventID == delivery.EventID {
			return core.ConflictErr("delivery for trigger %s event %s already recorded", delivery.TriggerID, delivery.EventID)
		}
	}
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	delivery.CreatedAt = (*Store)(r).now()
	delivery.UpdatedAt = delivery.CreatedAt
	copied := *delivery
	r.deliveries[delivery.ID] = &copied
	return nil
}

func (r *triggerRepo) UpdateDelivery(_ context.Context, delivery *core.TriggerDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.deliveries[delivery.ID]
	if !ok {
		return core.NotFoundErr("delivery %s not found", delivery.ID)
	}
	stored.Status = delivery.Status
	stored.RunID = delivery.RunID
	stored.Reason = delivery.Reason
	stored.UpdatedAt = (*Store)(r).now()
	return nil
}

// Deliveries returns a copy of the delivery rows for assertions.
func (s *Store) Deliveries() []*core.TriggerDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.TriggerDelivery, 0, len(s.deliveries))
	for _, delivery := range s.deliveries {
		copied := *delivery
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *triggerRepo) RecordResult(_ context.Context, triggerID string, success bool, now time.Time) (*core.EventTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trig, ok := r.triggers[triggerID]
	if !ok {
		return nil, core.NotFoundErr("trigger %s not found", triggerID)
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
	copied := *trig
	return &copied, nil
}

func (r *triggerRepo) TouchMatched(_ context.Context, triggerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trig, ok := r.triggers[triggerID]
	if !ok {
		return core.NotFoundErr("trigger %s not found", triggerID)
	}
	trig.LastMatchedAt = &at
	trig.UpdatedAt = at
	return nil
}

// --- auto-run claims ---

type autoRunRepo Store

func claimKey(defID, assetID string, partitionKey *string) string {
	return defID + "|" + assetID + "|" + keyOrEmpty(partitionKey)
}

func (r *autoRunRepo) RecordClaim(_ context.Context, claim *core.AutoRunClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := (*Store)(r).now()
	key := claimKey(claim.WorkflowDefID, claim.AssetID, claim.PartitionKey)
	if existing, ok := r.autoClaims[key]; ok {
		existing.RunID = claim.RunID
		existing.UpdatedAt = now
		return nil
	}
	claim.CreatedAt = now
	claim.UpdatedAt = now
	copied := *claim
	r.autoClaims[key] = &copied
	return nil
}

func (r *autoRunRepo) Get(_ context.Context, defID, assetID string, partitionKey *string) (*core.AutoRunClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.autoClaims[claimKey(defID, assetID, partitionKey)]
	if !ok {
		return nil, core.NotFoundErr("auto-run claim for %s not found", assetID)
	}
	copied := *claim
	return &copied, nil
}

func (r *autoRunRepo) RecordFailure(_ context.Context, defID, assetID string, partitionKey *string, nextEligibleAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.autoClaims[claimKey(defID, assetID, partitionKey)]
	if !ok {
		return core.NotFoundErr("auto-run claim for %s not found", assetID)
	}
	claim.Failures++
	claim.NextEligibleAt = &nextEligibleAt
	claim.UpdatedAt = (*Store)(r).now()
	return nil
}

func (r *autoRunRepo) ClearFailures(_ context.Context, defID, assetID string, partitionKey *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if claim, ok := r.autoClaims[claimKey(defID, assetID, partitionKey)]; ok {
		claim.Failures = 0
		claim.NextEligibleAt = nil
		claim.UpdatedAt = (*Store)(r).now()
	}
	return nil
}
