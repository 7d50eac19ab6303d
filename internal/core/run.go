package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TriggeredBy identifies what created a run.
type TriggeredBy string

const (
	TriggeredByManual   TriggeredBy = "manual"
	TriggeredBySchedule TriggeredBy = "schedule"
	TriggeredByEvent    TriggeredBy = "event"
	TriggeredByAuto     TriggeredBy = "auto"
)

// WorkflowRun is one execution of a definition with concrete parameters.
type WorkflowRun struct {
	ID               string         `json:"id"`
	WorkflowDefID    string         `json:"workflowDefinitionId"`
	Status           RunStatus      `json:"status"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	ErrorMessage     *string        `json:"errorMessage,omitempty"`
	CurrentStepID    *string        `json:"currentStepId,omitempty"`
	CurrentStepIndex *int           `json:"currentStepIndex,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	TriggeredBy      TriggeredBy    `json:"triggeredBy,omitempty"`
	Trigger          map[string]any `json:"trigger,omitempty"`
	PartitionKey     *string        `json:"partitionKey,omitempty"`
	RunKey           *string        `json:"runKey,omitempty"`
	RunKeyNormalized *string        `json:"runKeyNormalized,omitempty"`
	ClaimOwner       *string        `json:"claimOwner,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	DurationMs       *int64         `json:"durationMs,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// WorkflowRunStep is one step row of a run. Fan-out children carry
// TemplateStepID, FanoutIndex and ParentStepID.
type WorkflowRunStep struct {
	ID              string         `json:"id"`
	RunID           string         `json:"workflowRunId"`
	StepID          string         `json:"stepId"`
	Status          StepStatus     `json:"status"`
	Attempt         int            `json:"attempt"`
	RetryCount      int            `json:"retryCount"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
	FailureReason   *FailureReason `json:"failureReason,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	JobRunID        *string        `json:"jobRunId,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	ParentStepID    *string        `json:"parentStepId,omitempty"`
	FanoutIndex     *int           `json:"fanoutIndex,omitempty"`
	TemplateStepID  *string        `json:"templateStepId,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// JobRun is the record of one job invocation linked from a run step.
type JobRun struct {
	ID              string         `json:"id"`
	JobDefinitionID string         `json:"jobDefinitionId"`
	Status          JobRunStatus   `json:"status"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"maxAttempts"`
	DurationMs      *int64         `json:"durationMs,omitempty"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
	RetryCount      int            `json:"retryCount"`
	FailureReason   *FailureReason `json:"failureReason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// AttemptToken derives the idempotency key for one step attempt. Job
// handlers treat the token as an idempotency key so at-least-once delivery
// stays safe to replay.
func AttemptToken(runID, stepID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)))
	return hex.EncodeToString(sum[:16])
}
