// Package memory is an in-memory implementation of the repository
// interfaces. It backs unit tests and single-process development setups
// where Postgres is unavailable; the transactional guarantees of the
// Postgres store are approximated with a single mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/runkey"
)

// Store holds every table behind one lock.
type Store struct {
	mu sync.Mutex

	definitions map[string]*core.WorkflowDefinition
	runs        map[string]*core.WorkflowRun
	steps       map[string]*core.WorkflowRunStep
	jobRuns     map[string]*core.JobRun

	declarations    map[string][]core.AssetDeclaration
	materialized    []*core.AssetMaterialization
	stale           []*core.AssetStalePartition
	partitionParams map[string]*core.AssetPartitionParameters

	schedules  map[string]*core.Schedule
	triggers   map[string]*core.EventTrigger
	deliveries map[string]*core.TriggerDelivery

	bundleVersions map[string]*core.JobBundleVersion
	bundleMeta     map[string]*core.JobBundle

	history []*core.ExecutionHistory
	audit   []*core.AuditLog

	autoClaims map[string]*core.AutoRunClaim
	samples    map[string]*producerSample

	clock func() time.Time
}

type producerSample struct {
	meta       core.WorkflowEventMetadata
	eventType  string
	count      int64
	lastSeenAt time.Time
}

func New() *Store {
	return &Store{
		definitions:     map[string]*core.WorkflowDefinition{},
		runs:            map[string]*core.WorkflowRun{},
		steps:           map[string]*core.WorkflowRunStep{},
		jobRuns:         map[string]*core.JobRun{},
		declarations:    map[string][]core.AssetDeclaration{},
		partitionParams: map[string]*core.AssetPartitionParameters{},
		schedules:       map[string]*core.Schedule{},
		triggers:        map[string]*core.EventTrigger{},
		deliveries:      map[string]*core.TriggerDelivery{},
		bundleVersions:  map[string]*core.JobBundleVersion{},
		bundleMeta:      map[string]*core.JobBundle{},
		autoClaims:      map[string]*core.AutoRunClaim{},
		samples:         map[string]*producerSample{},
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock in tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) now() time.Time { return s.clock() }

func (s *Store) Definitions() models.DefinitionRepo { return (*definitionRepo)(s) }
func (s *Store) Runs() models.RunRepo               { return (*runRepo)(s) }
func (s *Store) RunSteps() models.RunStepRepo       { return (*runStepRepo)(s) }
func (s *Store) JobRuns() models.JobRunRepo         { return (*jobRunRepo)(s) }
func (s *Store) Assets() models.AssetRepo           { return (*assetRepo)(s) }
func (s *Store) Schedules() models.ScheduleRepo     { return (*scheduleRepo)(s) }
func (s *Store) Triggers() models.TriggerRepo       { return (*triggerRepo)(s) }
func (s *Store) Bundles() models.BundleRepo         { return (*bundleRepo)(s) }
func (s *Store) History() models.HistoryRepo        { return (*historyRepo)(s) }
func (s *Store) Audit() models.AuditRepo            { return (*auditRepo)(s) }
func (s *Store) AutoRuns() models.AutoRunRepo       { return (*autoRunRepo)(s) }
func (s *Store) Samples() models.SampleRepo         { return (*sampleRepo)(s) }
func (s *Store) Analytics() models.AnalyticsRepo    { return (*analyticsRepo)(s) }

func keyOrEmpty(key *string) string {
	if key == nil {
		return ""
	}
	return *key
}

// --- definitions ---

type definitionRepo Store

func (r *definitionRepo) Create(_ context.Context, def *core.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.definitions {
		if existing.Slug == def.Slug && existing.Version == def.Version {
			return core.ConflictErr("definition %s version %d already exists", def.Slug, def.Version)
		}
	}
	def.CreatedAt = (*Store)(r).now()
	def.UpdatedAt = def.CreatedAt
	copied := *def
	r.definitions[def.ID] = &copied
	return nil
}

func (r *definitionRepo) Update(_ context.Context, def *core.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[def.ID]; !ok {
		return core.NotFoundErr("definition %s not found", def.ID)
	}
	def.UpdatedAt = (*Store)(r).now()
	copied := *def
	r.definitions[def.ID] = &copied
	return nil
}

func (r *definitionRepo) GetByID(_ context.Context, id string) (*core.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.definitions[id]
	if !ok {
		return nil, core.NotFoundErr("definition %s not found", id)
	}
	copied := *def
	return &copied, nil
}

func (r *definitionRepo) GetBySlug(_ context.Context, slug string) (*core.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *core.WorkflowDefinition
	for _, def := range r.definitions {
		if def.Slug != slug {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, core.NotFoundErr("definition %s not found", slug)
	}
	copied := *best
	return &copied, nil
}

func (r *definitionRepo) List(_ context.Context) ([]*core.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := map[string]*core.WorkflowDefinition{}
	for _, def := range r.definitions {
		if cur, ok := latest[def.Slug]; !ok || def.Version > cur.Version {
			latest[def.Slug] = def
		}
	}
	out := make([]*core.WorkflowDefinition, 0, len(latest))
	for _, def := range latest {
		copied := *def
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- runs ---

type runRepo Store

func (r *runRepo) Create(_ context.Context, run *core.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.RunKeyNormalized != nil {
		for _, existing := range r.runs {
			if existing.WorkflowDefID == run.WorkflowDefID &&
				existing.RunKeyNormalized != nil &&
				*existing.RunKeyNormalized == *run.RunKeyNormalized &&
				existing.Status.IsActive() {
				copied := *existing
				return &runkey.ConflictError{ExistingRun: &copied}
			}
		}
	}
	run.CreatedAt = (*Store)(r).now()
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = core.RunPending
	}
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *runRepo) Get(_ context.Context, id string) (*core.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, core.NotFoundErr("run %s not found", id)
	}
	copied := *run
	return &copied, nil
}

func (r *runRepo) Claim(_ context.Context, runID, owner string) (*core.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, core.NotFoundErr("run %s not found", runID)
	}
	switch {
	case run.Status == core.RunRunning && run.ClaimOwner != nil && *run.ClaimOwner == owner:
	case run.Status.IsTerminal():
		return nil, core.ConflictErr("run %s already %s", runID, run.Status)
	case run.Status == core.RunRunning:
		return nil, core.ConflictErr("run %s claimed by another owner", runID)
	default:
		now := (*Store)(r).now()
		run.Status = core.RunRunning
		run.ClaimOwner = &owner
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.UpdatedAt = now
	}
	copied := *run
	return &copied, nil
}

func (r *runRepo) Reclaim(_ context.Context, runID, owner string) (*core.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, core.NotFoundErr("run %s not found", runID)
	}
	if run.Status != core.RunRunning {
		return nil, core.ConflictErr("run %s is %s, not running", runID, run.Status)
	}
	run.ClaimOwner = &owner
	run.UpdatedAt = (*Store)(r).now()
	copied := *run
	return &copied, nil
}

func (r *runRepo) UpdateCurrentStep(_ context.Context, runID string, stepID *string, stepIndex *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return core.NotFoundErr("run %s not found", runID)
	}
	run.CurrentStepID = stepID
	run.CurrentStepIndex = stepIndex
	run.UpdatedAt = (*Store)(r).now()
	return nil
}

func (r *runRepo) Finalize(_ context.Context, runID string, final models.RunFinalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return core.NotFoundErr("run %s not found", runID)
	}
	if run.Status.IsTerminal() {
		return core.ConflictErr("run %s already %s", runID, run.Status)
	}
	now := (*Store)(r).now()
	run.Status = final.Status
	run.Output = final.Output
	run.ErrorMessage = final.ErrorMessage
	run.CurrentStepID = nil
	run.CurrentStepIndex = nil
	run.CompletedAt = &now
	if run.StartedAt != nil {
		d := now.Sub(*run.StartedAt).Milliseconds()
		run.DurationMs = &d
	}
	run.UpdatedAt = now
	if final.History != nil {
		(*Store)(r).appendHistoryLocked(final.History)
	}
	return nil
}

func (r *runRepo) RequestCancel(_ context.Context, runID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return core.NotFoundErr("run %s not found", runID)
	}
	if run.Status.IsTerminal() {
		return core.ConflictErr("run %s already %s", runID, run.Status)
	}
	now := (*Store)(r).now()
	run.Status = core.RunCanceled
	run.ErrorMessage = &reason
	run.CurrentStepID = nil
	run.CurrentStepIndex = nil
	run.CompletedAt = &now
	run.UpdatedAt = now
	(*Store)(r).appendHistoryLocked(&core.ExecutionHistory{
		RunID:     runID,
		EventType: core.HistoryRunCompleted,
		Payload:   map[string]any{"status": "canceled", "reason": reason},
	})
	return nil
}

func (r *runRepo) ListStaleRunning(_ context.Context, heartbeatTimeout time.Duration, excludeOwner string) ([]*core.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := (*Store)(r).now().Add(-heartbeatTimeout)
	var out []*core.WorkflowRun
	for _, run := range r.runs {
		if run.Status != core.RunRunning {
			continue
		}
		if run.ClaimOwner != nil && *run.ClaimOwner == excludeOwner {
			continue
		}
		last := run.CreatedAt
		if run.StartedAt != nil {
			last = *run.StartedAt
		}
		for _, step := range r.steps {
			if step.RunID != run.ID || step.Status != core.StepRunning {
				continue
			}
			beat := step.CreatedAt
			if step.StartedAt != nil {
				beat = *step.StartedAt
			}
			if step.LastHeartbeatAt != nil {
				beat = *step.LastHeartbeatAt
			}
			if beat.After(last) {
				last = beat
			}
		}
		if last.Before(cutoff) {
			copied := *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *runRepo) ListByDefinition(_ context.Context, defID string, limit int) ([]*core.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.WorkflowRun
	for _, run := range r.runs {
		if run.WorkflowDefID == defID {
			copied := *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- run steps ---

type runStepRepo Store

func (r *runStepRepo) CreateMany(_ context.Context, steps []*core.WorkflowRunStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := (*Store)(r).now()
	for _, step := range steps {
		for _, existing := range r.steps {
			if existing.RunID == step.RunID && existing.StepID == step.StepID {
				return core.ConflictErr("duplicate run step %s", step.StepID)
			}
		}
		step.CreatedAt = now
		step.UpdatedAt = now
		if step.Status == "" {
			step.Status = core.StepPending
		}
		if step.Attempt == 0 {
			step.Attempt = 1
		}
		copied := *step
		r.steps[step.ID] = &copied
	}
	return nil
}

func (r *runStepRepo) Get(_ context.Context, id string) (*core.WorkflowRunStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return nil, core.NotFoundErr("run step %s not found", id)
	}
	copied := *step
	return &copied, nil
}

func (r *runStepRepo) ListByRun(_ context.Context, runID string) ([]*core.WorkflowRunStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.WorkflowRunStep
	for _, step := range r.steps {
		if step.RunID == runID {
			copied := *step
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StepID < out[j].StepID
	})
	return out, nil
}

func (r *runStepRepo) MarkRunning(_ context.Context, id string, attempt int, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return core.NotFoundErr("run step %s not found", id)
	}
	if step.Status != core.StepPending {
		return core.ConflictErr("run step %s is %s, not pending", id, step.Status)
	}
	step.Status = core.StepRunning
	step.Attempt = attempt
	step.StartedAt = &startedAt
	step.LastHeartbeatAt = &startedAt
	step.UpdatedAt = startedAt
	return nil
}

func (r *runStepRepo) Complete(_ context.Context, id string, completion models.StepCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return core.NotFoundErr("run step %s not found", id)
	}
	if step.Status.IsTerminal() {
		return core.ConflictErr("run step %s already %s", id, step.Status)
	}
	step.Status = completion.Status
	step.Output = completion.Output
	step.FailureReason = completion.FailureReason
	step.ErrorMessage = completion.ErrorMessage
	if completion.JobRunID != nil {
		step.JobRunID = completion.JobRunID
	}
	completedAt := completion.CompletedAt
	step.CompletedAt = &completedAt
	step.UpdatedAt = completedAt
	for i := range completion.Materializations {
		(*Store)(r).upsertMaterializationLocked(&completion.Materializations[i])
	}
	for i := range completion.History {
		(*Store)(r).appendHistoryLocked(&completion.History[i])
	}
	return nil
}

func (r *runStepRepo) MarkRetrying(_ context.Context, id string, history *core.ExecutionHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return core.NotFoundErr("run step %s not found", id)
	}
	if step.Status != core.StepRunning && step.Status != core.StepFailed {
		return core.ConflictErr("run step %s is %s, cannot retry", id, step.Status)
	}
	step.Status = core.StepPending
	step.RetryCount++
	step.FailureReason = nil
	step.ErrorMessage = nil
	step.LastHeartbeatAt = nil
	step.StartedAt = nil
	step.UpdatedAt = (*Store)(r).now()
	if history != nil {
		(*Store)(r).appendHistoryLocked(history)
	}
	return nil
}

func (r *runStepRepo) MarkSkipped(_ context.Context, id string, history *core.ExecutionHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return core.NotFoundErr("run step %s not found", id)
	}
	if step.Status != core.StepPending {
		return core.ConflictErr("run step %s is %s, cannot skip", id, step.Status)
	}
	now := (*Store)(r).now()
	step.Status = core.StepSkipped
	step.CompletedAt = &now
	step.UpdatedAt = now
	if history != nil {
		(*Store)(r).appendHistoryLocked(history)
	}
	return nil
}

func (r *runStepRepo) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[id]
	if !ok {
		return core.NotFoundErr("run step %s not found", id)
	}
	if step.Status != core.StepRunning {
		return core.ConflictErr("run step %s is not running", id)
	}
	step.LastHeartbeatAt = &at
	step.UpdatedAt = at
	return nil
}

func (r *runStepRepo) FailStale(_ context.Context, runID string, heartbeatTimeout time.Duration, now time.Time) ([]*core.WorkflowRunStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-heartbeatTimeout)
	var failed []*core.WorkflowRunStep
	for _, step := range r.steps {
		if step.RunID != runID || step.Status != core.StepRunning {
			continue
		}
		beat := step.CreatedAt
		if step.StartedAt != nil {
			beat = *step.StartedAt
		}
		if step.LastHeartbeatAt != nil {
			beat = *step.LastHeartbeatAt
		}
		if !beat.Before(cutoff) {
			continue
		}
		reason := core.FailureHeartbeatLost
		msg := "step heartbeat lost"
		step.Status = core.StepFailed
		step.FailureReason = &reason
		step.ErrorMessage = &msg
		step.CompletedAt = &now
		step.UpdatedAt = now
		stepID := step.StepID
		(*Store)(r).appendHistoryLocked(&core.ExecutionHistory{
			RunID:     runID,
			RunStepID: &step.ID,
			StepID:    &stepID,
			EventType: core.HistoryStepFailed,
			Payload:   map[string]any{"failureReason": string(reason)},
		})
		copied := *step
		failed = append(failed, &copied)
	}
	return failed, nil
}

// --- job runs ---

type jobRunRepo Store

func (r *jobRunRepo) Create(_ context.Context, jobRun *core.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobRun.CreatedAt = (*Store)(r).now()
	jobRun.UpdatedAt = jobRun.CreatedAt
	if jobRun.Status == "" {
		jobRun.Status = core.JobRunPending
	}
	copied := *jobRun
	r.jobRuns[jobRun.ID] = &copied
	return nil
}

func (r *jobRunRepo) Get(_ context.Context, id string) (*core.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.jobRuns[id]
	if !ok {
		return nil, core.NotFoundErr("job run %s not found", id)
	}
	copied := *jr
	return &copied, nil
}

func (r *jobRunRepo) Complete(_ context.Context, id string, status core.JobRunStatus, result map[string]any, failureReason *core.FailureReason) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.jobRuns[id]
	if !ok {
		return false, core.NotFoundErr("job run %s not found", id)
	}
	switch jr.Status {
	case core.JobRunSucceeded, core.JobRunFailed, core.JobRunCanceled, core.JobRunExpired:
		if jr.Status == status {
			return false, nil
		}
		return false, core.ConflictErr("job run %s already %s", id, jr.Status)
	}
	now := (*Store)(r).now()
	jr.Status = status
	jr.Result = result
	jr.FailureReason = failureReason
	d := now.Sub(jr.CreatedAt).Milliseconds()
	jr.DurationMs = &d
	jr.UpdatedAt = now
	return true, nil
}

func (r *jobRunRepo) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.jobRuns[id]
	if !ok {
		return core.NotFoundErr("job run %s not found", id)
	}
	if jr.Status != core.JobRunPending && jr.Status != core.JobRunRunning {
		return core.ConflictErr("job run %s is not active", id)
	}
	jr.LastHeartbeatAt = &at
	jr.UpdatedAt = at
	return nil
}

// --- history / audit ---

type historyRepo Store

func (s *Store) appendHistoryLocked(row *core.ExecutionHistory) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	copied := *row
	s.history = append(s.history, &copied)
}

func (r *historyRepo) Append(_ context.Context, rows ...*core.ExecutionHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		(*Store)(r).appendHistoryLocked(row)
	}
	return nil
}

func (r *historyRepo) ListByRun(_ context.Context, runID string) ([]*core.ExecutionHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.ExecutionHistory
	for _, row := range r.history {
		if row.RunID == runID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

type auditRepo Store

func (r *auditRepo) Append(_ context.Context, row *core.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = (*Store)(r).now()
	}
	copied := *row
	r.audit = append(r.audit, &copied)
	return nil
}

// AuditRows returns a copy of the audit log for assertions.
func (s *Store) AuditRows() []*core.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.AuditLog(nil), s.audit...)
}

// --- bundles ---

type bundleRepo Store

func bundleKey(slug, version string) string { return slug + "@" + version }

func (r *bundleRepo) Publish(_ context.Context, version *core.JobBundleVersion, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bundleKey(version.Slug, version.Version)
	if _, exists := r.bundleVersions[key]; exists && !force {
		return core.ConflictErr("bundle %s@%s already published", version.Slug, version.Version)
	}
	bundle, ok := r.bundleMeta[version.Slug]
	if !ok {
		bundle = &core.JobBundle{
			ID:        uuid.NewString(),
			Slug:      version.Slug,
			CreatedAt: (*Store)(r).now(),
		}
		r.bundleMeta[version.Slug] = bundle
	}
	version.BundleID = bundle.ID
	copied := *version
	r.bundleVersions[key] = &copied
	(*Store)(r).refreshLatestLocked(version.Slug)
	return nil
}

func (s *Store) refreshLatestLocked(slug string) {
	var latest *semver.Version
	for _, v := range s.bundleVersions {
		if v.Slug != slug || v.Status != core.BundlePublished {
			continue
		}
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if latest == nil || parsed.GreaterThan(latest) {
			latest = parsed
		}
	}
	bundle := s.bundleMeta[slug]
	if bundle == nil {
		return
	}
	if latest == nil {
		bundle.LatestVersion = nil
	} else {
		v := latest.Original()
		bundle.LatestVersion = &v
	}
	bundle.UpdatedAt = s.now()
}

func (r *bundleRepo) GetVersion(_ context.Context, slug, version string) (*core.JobBundleVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.bundleVersions[bundleKey(slug, version)]
	if !ok {
		return nil, core.NotFoundErr("bundle %s@%s not found", slug, version)
	}
	copied := *v
	return &copied, nil
}

func (r *bundleRepo) LatestPublished(_ context.Context, slug string) (*core.JobBundleVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best    *core.JobBundleVersion
		bestVer *semver.Version
	)
	for _, v := range r.bundleVersions {
		if v.Slug != slug || v.Status != core.BundlePublished {
			continue
		}
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || parsed.GreaterThan(bestVer) {
			best, bestVer = v, parsed
		}
	}
	if best == nil {
		return nil, core.NotFoundErr("no published versions for %q", slug)
	}
	copied := *best
	return &copied, nil
}

func (r *bundleRepo) Deprecate(_ context.Context, slug, version string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.bundleVersions[bundleKey(slug, version)]
	if !ok {
		return core.NotFoundErr("bundle %s@%s not found", slug, version)
	}
	v.Status = core.BundleDeprecated
	v.DeprecatedAt = &at
	(*Store)(r).refreshLatestLocked(slug)
	return nil
}

func (r *bundleRepo) GetBundle(_ context.Context, slug string) (*core.JobBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bundle, ok := r.bundleMeta[slug]
	if !ok {
		return nil, core.NotFoundErr("bundle %s not found", slug)
	}
	copied := *bundle
	return &copied, nil
}

func (r *bundleRepo) ListVersions(_ context.Context, slug string) ([]*core.JobBundleVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.JobBundleVersion
	for _, v := range r.bundleVersions {
		if v.Slug == slug {
			copied := *v
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

// --- analytics ---

type analyticsRepo Store

func (r *analyticsRepo) ListDefinitionIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *analyticsRepo) WorkflowStats(_ context.Context, defID string, window, bucket time.Duration) (*models.WorkflowStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := (*Store)(r).now().Add(-window)
	stats := &models.WorkflowStats{
		WorkflowDefID:     defID,
		StatusCounts:      map[string]int{},
		FailureCategories: map[string]int{},
	}
	var totalDuration float64
	var completed int
	for _, run := range r.runs {
		if run.WorkflowDefID != defID || run.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRuns++
		stats.StatusCounts[string(run.Status)]++
		if run.Status.IsTerminal() {
			completed++
			if run.DurationMs != nil {
				totalDuration += float64(*run.DurationMs)
			}
		}
	}
	if completed > 0 {
		stats.AverageDurationMs = totalDuration / float64(completed)
		stats.SuccessRate = float64(stats.StatusCounts[string(core.RunSucceeded)]) / float64(completed)
		stats.FailureRate = float64(stats.StatusCounts[string(core.RunFailed)]) / float64(completed)
	}
	for _, step := range r.steps {
		run, ok := r.runs[step.RunID]
		if !ok || run.WorkflowDefID != defID || run.CreatedAt.Before(since) {
			continue
		}
		if step.FailureReason != nil {
			stats.FailureCategories[string(*step.FailureReason)]++
		}
	}
	return stats, nil
}

// --- samples ---

type sampleRepo Store

func sampleKey(meta core.WorkflowEventMetadata, eventType string) string {
	return strings.Join([]string{
		meta.WorkflowDefinitionID, meta.WorkflowRunID, meta.WorkflowRunStepID,
		meta.JobRunID, meta.JobSlug, eventType,
	}, "|")
}

func (r *sampleRepo) RecordProducerSample(_ context.Context, meta core.WorkflowEventMetadata, eventType string, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sampleKey(meta, eventType)
	if existing, ok := r.samples[key]; ok {
		existing.count++
		existing.lastSeenAt = observedAt
		return nil
	}
	r.samples[key] = &producerSample{meta: meta, eventType: eventType, count: 1, lastSeenAt: observedAt}
	return nil
}

func (r *sampleRepo) PruneExpired(_ context.Context, ttl time.Duration, overflowThreshold int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := (*Store)(r).now().Add(-ttl)
	var pruned int64
	for key, sample := range r.samples {
		if sample.lastSeenAt.Before(cutoff) {
			delete(r.samples, key)
			pruned++
		}
	}
	if overflowThreshold > 0 && len(r.samples) > overflowThreshold {
		keys := make([]string, 0, len(r.samples))
		for key := range r.samples {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return r.samples[keys[i]].lastSeenAt.After(r.samples[keys[j]].lastSeenAt)
		})
		for _, key := range keys[overflowThreshold:] {
			delete(r.samples, key)
			pruned++
		}
	}
	return pruned, nil
}
