package core

import (
	"encoding/json"
	"time"
)

// DagMetadata is derived from a validated step list by the DAG compiler and
// snapshotted on the definition row.
type DagMetadata struct {
	Roots            []string            `json:"roots"`
	Order            []string            `json:"order"`
	Adjacency        map[string][]string `json:"adjacency"`
	ReverseAdjacency map[string][]string `json:"reverseAdjacency"`
	Depth            map[string]int      `json:"depth"`
	// FanoutTemplates maps a template step id to its fan-out parent.
	FanoutTemplates map[string]string `json:"fanoutTemplates,omitempty"`
}

// TopologicalIndex returns the position of the step in the stable order, or
// -1 when the step is not part of the compiled graph.
func (d *DagMetadata) TopologicalIndex(stepID string) int {
	for i, id := range d.Order {
		if id == stepID {
			return i
		}
	}
	return -1
}

// ScheduleSpec is the cron trigger of a definition.
type ScheduleSpec struct {
	Cron     string     `json:"cron"`
	Timezone string     `json:"timezone,omitempty"`
	StartsAt *time.Time `json:"startsAt,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
	CatchUp  bool       `json:"catchUp,omitempty"`
}

// EventTriggerSpec launches runs when a matching event is observed.
type EventTriggerSpec struct {
	ID               string         `json:"id,omitempty"`
	EventType        string         `json:"eventType"`
	EventSource      string         `json:"eventSource,omitempty"`
	Predicate        string         `json:"predicate,omitempty"` // jq expression over the event envelope
	ThrottleMs       int64          `json:"throttleMs,omitempty"`
	FailureThreshold int            `json:"failureThreshold,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

// TriggerSpecs groups the trigger configuration of a definition.
type TriggerSpecs struct {
	Schedules []ScheduleSpec     `json:"schedules,omitempty"`
	Events    []EventTriggerSpec `json:"events,omitempty"`
}

// WorkflowDefinition is the declarative graph of steps plus triggers and
// schemas, addressed by slug + version.
type WorkflowDefinition struct {
	ID                string          `json:"id"`
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Version           int             `json:"version"`
	Description       string          `json:"description,omitempty"`
	Steps             []Step          `json:"steps"`
	Triggers          TriggerSpecs    `json:"triggers,omitempty"`
	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any  `json:"defaultParameters,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Dag               *DagMetadata    `json:"dag,omitempty"`

	ScheduleNextRunAt              *time.Time     `json:"scheduleNextRunAt,omitempty"`
	ScheduleLastMaterializedWindow map[string]any `json:"scheduleLastMaterializedWindow,omitempty"`
	ScheduleCatchupCursor          *time.Time     `json:"scheduleCatchupCursor,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepByID returns the step with the given id, including fan-out templates.
func (d *WorkflowDefinition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
		if fo := d.Steps[i].FanOut; fo != nil && fo.Template != nil && fo.Template.ID == id {
			return fo.Template, true
		}
	}
	return nil, false
}

// ProducedDeclarations returns all produces-direction declarations of the
// definition keyed by step id.
func (d *WorkflowDefinition) ProducedDeclarations() []AssetDeclaration {
	var decls []AssetDeclaration
	for i := range d.Steps {
		for _, decl := range d.Steps[i].Produces {
			decl.StepID = d.Steps[i].ID
			decl.WorkflowDefID = d.ID
			decl.Direction = AssetProduces
			decls = append(decls, decl)
		}
	}
	return decls
}

// PartitionedDeclaration returns the first produced declaration that
// declares partitioning, if any. A run for a partitioned workflow must
// carry a partition key.
func (d *WorkflowDefinition) PartitionedDeclaration() *AssetDeclaration {
	for i := range d.Steps {
		for j := range d.Steps[i].Produces {
			if d.Steps[i].Produces[j].Partitioning != nil {
				decl := d.Steps[i].Produces[j]
				decl.StepID = d.Steps[i].ID
				return &decl
			}
		}
	}
	return nil
}
