// Package models declares the repository interfaces the engine is built
// against. The Postgres store implements them; tests substitute in-memory
// fakes.
package models

import (
	"context"
	"time"

	"github.com/apphub/apphub/internal/core"
)

// DefinitionRepo persists workflow definitions.
type DefinitionRepo interface {
	Create(ctx context.Context, def *core.WorkflowDefinition) error
	Update(ctx context.Context, def *core.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*core.WorkflowDefinition, error)
	GetBySlug(ctx context.Context, slug string) (*core.WorkflowDefinition, error)
	List(ctx context.Context) ([]*core.WorkflowDefinition, error)
}

// RunRepo persists workflow runs. Create enforces run-key uniqueness and
// returns *runkey.ConflictError when another pending/running run holds the
// normalized key.
type RunRepo interface {
	Create(ctx context.Context, run *core.WorkflowRun) error
	Get(ctx context.Context, id string) (*core.WorkflowRun, error)
	// Claim transitions pending->running and records the claim owner.
	// Idempotent: a run already claimed by the same owner is returned as
	// is; terminal runs return a CONFLICT error.
	Claim(ctx context.Context, runID, owner string) (*core.WorkflowRun, error)
	// Reclaim takes over a running run whose previous owner went away.
	Reclaim(ctx context.Context, runID, owner string) (*core.WorkflowRun, error)
	UpdateCurrentStep(ctx context.Context, runID string, stepID *string, stepIndex *int) error
	// Finalize moves the run to a terminal status, clears currentStepId,
	// stamps completedAt/durationMs and appends the final history row in
	// one transaction.
	Finalize(ctx context.Context, runID string, final RunFinalization) error
	// RequestCancel marks the run canceled so dispatch stops; in-flight
	// steps observe the flag cooperatively.
	RequestCancel(ctx context.Context, runID, reason string) error
	// ListStaleRunning returns running runs owned by other processes whose
	// steps have not heartbeat within the timeout.
	ListStaleRunning(ctx context.Context, heartbeatTimeout time.Duration, excludeOwner string) ([]*core.WorkflowRun, error)
	ListByDefinition(ctx context.Context, defID string, limit int) ([]*core.WorkflowRun, error)
}

// RunFinalization is the atomic terminal transition of a run.
type RunFinalization struct {
	Status       core.RunStatus
	Output       map[string]any
	ErrorMessage *string
	History      *core.ExecutionHistory
}

// StepCompletion finalizes one step attempt. Materializations and history
// rows are written in the same transaction as the status change; partial
// success is forbidden.
type StepCompletion struct {
	Status           core.StepStatus
	Output           map[string]any
	FailureReason    *core.FailureReason
	ErrorMessage     *string
	JobRunID         *string
	CompletedAt      time.Time
	Materializations []core.AssetMaterialization
	History          []core.ExecutionHistory
}

// RunStepRepo persists run step rows. Status-advancing methods lock the
// row (SELECT ... FOR UPDATE) to avoid double-advance under multi-replica
// orchestrators.
type RunStepRepo interface {
	CreateMany(ctx context.Context, steps []*core.WorkflowRunStep) error
	Get(ctx context.Context, id string) (*core.WorkflowRunStep, error)
	ListByRun(ctx context.Context, runID string) ([]*core.WorkflowRunStep, error)
	// MarkRunning transitions pending->running and stamps startedAt and
	// the attempt number.
	MarkRunning(ctx context.Context, id string, attempt int, startedAt time.Time) error
	// Complete applies a terminal attempt outcome atomically.
	Complete(ctx context.Context, id string, completion StepCompletion) error
	// MarkRetrying resets a failed attempt back to pending and increments
	// retryCount.
	MarkRetrying(ctx context.Context, id string, history *core.ExecutionHistory) error
	// MarkSkipped transitions pending->skipped.
	MarkSkipped(ctx context.Context, id string, history *core.ExecutionHistory) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// FailStale fails running steps whose heartbeat is older than the
	// timeout, recording failureReason=heartbeat_lost.
	FailStale(ctx context.Context, runID string, heartbeatTimeout time.Duration, now time.Time) ([]*core.WorkflowRunStep, error)
}

// AssetRepo is the persistence side of the asset ledger.
type AssetRepo interface {
	ReplaceDeclarations(ctx context.Context, defID string, decls []core.AssetDeclaration) error
	ListDeclarations(ctx context.Context, defID string) ([]core.AssetDeclaration, error)
	// Upsert inserts or updates a materialization under the partition
	// unique index and clears any stale marker for the partition.
	Upsert(ctx context.Context, mat *core.AssetMaterialization) error
	// Latest returns the newest materialization by producedAt with ties
	// broken by updatedAt, createdAt, then runId.
	Latest(ctx context.Context, defID, assetID string, partitionKey *string) (*core.AssetMaterialization, error)
	ListPartitions(ctx context.Context, defID, assetID string) ([]string, error)
	MarkStale(ctx context.Context, stale *core.AssetStalePartition) error
	ClearStale(ctx context.Context, defID, assetID string, partitionKey *string) error
	ListStale(ctx context.Context, defID string) ([]core.AssetStalePartition, error)
	UpsertPartitionParameters(ctx context.Context, params *core.AssetPartitionParameters) error
	GetPartitionParameters(ctx context.Context, defID, assetID, partitionKey string) (*core.AssetPartitionParameters, error)
}

// ScheduleAdvance is the claimed schedule's new cursor state.
type ScheduleAdvance struct {
	NextRunAt              time.Time
	CatchupCursor          *time.Time
	LastMaterializedWindow map[string]any
}

// ScheduleRepo persists cron schedules. ClaimDue selects due schedules
// FOR UPDATE SKIP LOCKED so replicas never double-materialize a window.
type ScheduleRepo interface {
	Create(ctx context.Context, sched *core.Schedule) error
	Get(ctx context.Context, id string) (*core.Schedule, error)
	ListByDefinition(ctx context.Context, defID string) ([]*core.Schedule, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, handle func(ctx context.Context, sched *core.Schedule) (*ScheduleAdvance, error)) error
}

// TriggerRepo persists event triggers and their deliveries.
type TriggerRepo interface {
	Create(ctx context.Context, trigger *core.EventTrigger) error
	ListMatching(ctx context.Context, eventType, eventSource string) ([]*core.EventTrigger, error)
	CreateDelivery(ctx context.Context, delivery *core.TriggerDelivery) error
	UpdateDelivery(ctx context.Context, delivery *core.TriggerDelivery) error
	// RecordResult updates failure counters; pausedUntil is set once the
	// consecutive failure count crosses the trigger's threshold.
	RecordResult(ctx context.Context, triggerID string, success bool, now time.Time) (*core.EventTrigger, error)
	TouchMatched(ctx context.Context, triggerID string, at time.Time) error
}

// JobRunRepo persists job runs.
type JobRunRepo interface {
	Create(ctx context.Context, jobRun *core.JobRun) error
	Get(ctx context.Context, id string) (*core.JobRun, error)
	// Complete is idempotent: replaying a completion with identical inputs
	// is a no-op and reports applied=false.
	Complete(ctx context.Context, id string, status core.JobRunStatus, result map[string]any, failureReason *core.FailureReason) (applied bool, err error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

// BundleRepo persists job bundles and their versions.
type BundleRepo interface {
	// Publish inserts a bundle version. A non-force publish over an
	// existing (slug, version) is a CONFLICT; force replaces it.
	Publish(ctx context.Context, version *core.JobBundleVersion, force bool) error
	GetVersion(ctx context.Context, slug, version string) (*core.JobBundleVersion, error)
	// LatestPublished resolves the highest published semver for the slug.
	LatestPublished(ctx context.Context, slug string) (*core.JobBundleVersion, error)
	Deprecate(ctx context.Context, slug, version string, at time.Time) error
	GetBundle(ctx context.Context, slug string) (*core.JobBundle, error)
	ListVersions(ctx context.Context, slug string) ([]*core.JobBundleVersion, error)
}

// HistoryRepo is the append-only execution history.
type HistoryRepo interface {
	Append(ctx context.Context, rows ...*core.ExecutionHistory) error
	ListByRun(ctx context.Context, runID string) ([]*core.ExecutionHistory, error)
}

// AuditRepo is the append-only operator audit log.
type AuditRepo interface {
	Append(ctx context.Context, row *core.AuditLog) error
}

// AutoRunRepo tracks auto-materialization claims and cooldowns.
type AutoRunRepo interface {
	RecordClaim(ctx context.Context, claim *core.AutoRunClaim) error
	Get(ctx context.Context, defID, assetID string, partitionKey *string) (*core.AutoRunClaim, error)
	RecordFailure(ctx context.Context, defID, assetID string, partitionKey *string, nextEligibleAt time.Time) error
	ClearFailures(ctx context.Context, defID, assetID string, partitionKey *string) error
}

// SampleRepo stores per-producer event sampling rows.
type SampleRepo interface {
	RecordProducerSample(ctx context.Context, meta core.WorkflowEventMetadata, eventType string, observedAt time.Time) error
	PruneExpired(ctx context.Context, ttl time.Duration, overflowThreshold int) (int64, error)
}

// AnalyticsRepo computes the periodic per-workflow statistics.
type AnalyticsRepo interface {
	WorkflowStats(ctx context.Context, defID string, window time.Duration, bucket time.Duration) (*WorkflowStats, error)
	ListDefinitionIDs(ctx context.Context) ([]string, error)
}

// WorkflowStats is the per-workflow analytics snapshot payload.
type WorkflowStats struct {
	WorkflowDefID     string                 `json:"workflowDefinitionId"`
	TotalRuns         int                    `json:"totalRuns"`
	StatusCounts      map[string]int         `json:"statusCounts"`
	SuccessRate       float64                `json:"successRate"`
	FailureRate       float64                `json:"failureRate"`
	AverageDurationMs float64                `json:"averageDurationMs"`
	FailureCategories map[string]int         `json:"failureCategories"`
	Buckets           []WorkflowStatsBucket  `json:"buckets,omitempty"`
}

// WorkflowStatsBucket is one time bucket of the snapshot.
type WorkflowStatsBucket struct {
	BucketStart  time.Time      `json:"bucketStart"`
	TotalRuns    int            `json:"totalRuns"`
	StatusCounts map[string]int `json:"statusCounts"`
}
