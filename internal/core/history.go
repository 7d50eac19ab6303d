package core

import "time"

// HistoryEventType names an execution-history lifecycle transition.
type HistoryEventType string

const (
	HistoryRunCreated        HistoryEventType = "run.created"
	HistoryRunStarted        HistoryEventType = "run.started"
	HistoryRunCompleted      HistoryEventType = "run.completed"
	HistoryStepStarted       HistoryEventType = "step.started"
	HistoryStepHeartbeat     HistoryEventType = "step.heartbeat"
	HistoryStepCompleted     HistoryEventType = "step.completed"
	HistoryStepFailed        HistoryEventType = "step.failed"
	HistoryStepRetrying      HistoryEventType = "step.retrying"
	HistoryStepSkipped       HistoryEventType = "step.skipped"
	HistoryFanoutExpanded    HistoryEventType = "fanout.expanded"
	HistoryAssetMaterialized HistoryEventType = "asset.materialized"
	HistoryAssetStaleMarked  HistoryEventType = "asset.stale_marked"
	HistoryAssetStaleCleared HistoryEventType = "asset.stale_cleared"
)

// ExecutionHistory is an append-only record of a run/step transition.
// Rows are never updated.
type ExecutionHistory struct {
	ID        string           `json:"id"`
	RunID     string           `json:"workflowRunId"`
	RunStepID *string          `json:"workflowRunStepId,omitempty"`
	StepID    *string          `json:"stepId,omitempty"`
	EventType HistoryEventType `json:"eventType"`
	Payload   map[string]any   `json:"eventPayload,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// AuditLog records an operator-visible action.
type AuditLog struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorKind string         `json:"actorKind,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Status    string         `json:"status"`
	Scopes    []string       `json:"scopes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Schedule is a persisted cron schedule bound to a workflow definition.
type Schedule struct {
	ID                     string         `json:"id"`
	WorkflowDefID          string         `json:"workflowDefinitionId"`
	Cron                   string         `json:"cron"`
	Timezone               string         `json:"timezone,omitempty"`
	StartsAt               *time.Time     `json:"startsAt,omitempty"`
	EndsAt                 *time.Time     `json:"endsAt,omitempty"`
	CatchUp                bool           `json:"catchUp"`
	NextRunAt              *time.Time     `json:"nextRunAt,omitempty"`
	CatchupCursor          *time.Time     `json:"catchupCursor,omitempty"`
	LastMaterializedWindow map[string]any `json:"lastMaterializedWindow,omitempty"`
	Parameters             map[string]any `json:"parameters,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// EventTrigger is a persisted event trigger bound to a workflow definition.
type EventTrigger struct {
	ID                  string         `json:"id"`
	WorkflowDefID       string         `json:"workflowDefinitionId"`
	EventType           string         `json:"eventType"`
	EventSource         string         `json:"eventSource,omitempty"`
	Predicate           string         `json:"predicate,omitempty"`
	ThrottleMs          int64          `json:"throttleMs,omitempty"`
	FailureThreshold    int            `json:"failureThreshold,omitempty"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	Paused              bool           `json:"paused"`
	PausedReason        string         `json:"pausedReason,omitempty"`
	PausedUntil         *time.Time     `json:"pausedUntil,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastMatchedAt       *time.Time     `json:"lastMatchedAt,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// TriggerDelivery is one trigger evaluation against one event.
type TriggerDelivery struct {
	ID        string         `json:"id"`
	TriggerID string         `json:"triggerId"`
	EventID   string         `json:"eventId"`
	Status    DeliveryStatus `json:"status"`
	RunID     *string        `json:"workflowRunId,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// AutoRunClaim records that a run was created by auto-materialization and
// tracks its cooldown after repeated failures.
type AutoRunClaim struct {
	WorkflowDefID  string     `json:"workflowDefinitionId"`
	AssetID        string     `json:"assetId"`
	PartitionKey   *string    `json:"partitionKey,omitempty"`
	RunID          string     `json:"workflowRunId"`
	Failures       int        `json:"failures"`
	NextEligibleAt *time.Time `json:"nextEligibleAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
