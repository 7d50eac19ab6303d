package core

import (
	"time"

	"github.com/google/uuid"
)

// Engine event types published on the bus.
const (
	EventWorkflowDefinitionUpdated = "workflow.definition.updated"
	EventWorkflowRunUpdated        = "workflow.run.updated"
	EventWorkflowRunPending        = "workflow.run.pending"
	EventWorkflowRunRunning        = "workflow.run.running"
	EventWorkflowRunSucceeded      = "workflow.run.succeeded"
	EventWorkflowRunFailed         = "workflow.run.failed"
	EventWorkflowRunCanceled       = "workflow.run.canceled"
	EventWorkflowEventReceived     = "workflow.event.received"
	EventJobRunUpdated             = "job.run.updated"
	EventJobRunPending             = "job.run.pending"
	EventJobRunRunning             = "job.run.running"
	EventJobRunSucceeded           = "job.run.succeeded"
	EventJobRunFailed              = "job.run.failed"
	EventJobRunCanceled            = "job.run.canceled"
	EventJobRunExpired             = "job.run.expired"
	EventJobBundlePublished        = "job.bundle.published"
	EventJobBundleUpdated          = "job.bundle.updated"
	EventJobBundleDeprecated       = "job.bundle.deprecated"
	EventAssetProduced             = "asset.produced"
	EventAssetExpired              = "asset.expired"
	EventAnalyticsSnapshot         = "workflow.analytics.snapshot"
)

// WorkflowEventMetadataKey carries workflow correlation ids in event metadata.
const WorkflowEventMetadataKey = "__apphubWorkflow"

// WorkflowEventMetadata is the value stored under WorkflowEventMetadataKey.
// When present it drives per-producer sampling rows.
type WorkflowEventMetadata struct {
	WorkflowDefinitionID string `json:"workflowDefinitionId,omitempty"`
	WorkflowRunID        string `json:"workflowRunId,omitempty"`
	WorkflowRunStepID    string `json:"workflowRunStepId,omitempty"`
	JobRunID             string `json:"jobRunId,omitempty"`
	JobSlug              string `json:"jobSlug,omitempty"`
}

// Event is the wire envelope for every engine event.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	TTLMs         int64          `json:"ttl,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an envelope with a fresh id and timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     source,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// WorkflowMetadata extracts the workflow correlation metadata, if present.
func (e *Event) WorkflowMetadata() (WorkflowEventMetadata, bool) {
	raw, ok := e.Metadata[WorkflowEventMetadataKey]
	if !ok {
		return WorkflowEventMetadata{}, false
	}
	meta, ok := raw.(map[string]any)
	if !ok {
		return WorkflowEventMetadata{}, false
	}
	str := func(key string) string {
		if v, ok := meta[key].(string); ok {
			return v
		}
		return ""
	}
	return WorkflowEventMetadata{
		WorkflowDefinitionID: str("workflowDefinitionId"),
		WorkflowRunID:        str("workflowRunId"),
		WorkflowRunStepID:    str("workflowRunStepId"),
		JobRunID:             str("jobRunId"),
		JobSlug:              str("jobSlug"),
	}, true
}

// WithWorkflowMetadata attaches correlation metadata to the envelope.
func (e *Event) WithWorkflowMetadata(meta WorkflowEventMetadata) *Event {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	m := map[string]any{}
	if meta.WorkflowDefinitionID != "" {
		m["workflowDefinitionId"] = meta.WorkflowDefinitionID
	}
	if meta.WorkflowRunID != "" {
		m["workflowRunId"] = meta.WorkflowRunID
	}
	if meta.WorkflowRunStepID != "" {
		m["workflowRunStepId"] = meta.WorkflowRunStepID
	}
	if meta.JobRunID != "" {
		m["jobRunId"] = meta.JobRunID
	}
	if meta.JobSlug != "" {
		m["jobSlug"] = meta.JobSlug
	}
	e.Metadata[WorkflowEventMetadataKey] = m
	return e
}
