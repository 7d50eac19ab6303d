package core

import (
	"encoding/json"
	"regexp"
	"time"
)

// AssetIDPattern is the accepted shape of an asset identifier.
var AssetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// AssetDirection distinguishes produced from consumed declarations.
type AssetDirection string

const (
	AssetProduces AssetDirection = "produces"
	AssetConsumes AssetDirection = "consumes"
)

// PartitioningType discriminates asset partitioning schemes.
type PartitioningType string

const (
	PartitioningStatic     PartitioningType = "static"
	PartitioningTimeWindow PartitioningType = "timeWindow"
	PartitioningDynamic    PartitioningType = "dynamic"
)

// Granularity of a time-window partitioning scheme.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// DefaultLookbackWindows returns how many buckets are enumerated backwards
// from now when no lookback is declared.
func (g Granularity) DefaultLookbackWindows() int {
	switch g {
	case GranularityHour:
		return 24
	case GranularityDay:
		return 14
	case GranularityWeek:
		return 8
	case GranularityMonth:
		return 12
	default:
		return 0
	}
}

// Partitioning declares how an asset is sliced into partitions.
type Partitioning struct {
	Type PartitioningType `json:"type"`

	// Static partitioning.
	Keys []string `json:"keys,omitempty"`

	// Time-window partitioning.
	Granularity     Granularity `json:"granularity,omitempty"`
	Timezone        string      `json:"timezone,omitempty"`
	Format          string      `json:"format,omitempty"`
	LookbackWindows int         `json:"lookbackWindows,omitempty"`

	// Dynamic partitioning.
	MaxKeys       int `json:"maxKeys,omitempty"`
	RetentionDays int `json:"retentionDays,omitempty"`
}

// FreshnessPolicy declares how long a materialization stays fresh.
type FreshnessPolicy struct {
	MaxAgeMs int64 `json:"maxAgeMs,omitempty"`
	TTLMs    int64 `json:"ttlMs,omitempty"`
}

// AutoMaterializePolicy opts an asset into policy-driven run creation.
type AutoMaterializePolicy struct {
	Enabled       bool  `json:"enabled"`
	OnUpstream    bool  `json:"onUpstreamUpdate,omitempty"`
	PriorityMs    int64 `json:"priorityMs,omitempty"`
	MaxFailures   int   `json:"maxFailures,omitempty"`
	CooldownMs    int64 `json:"cooldownMs,omitempty"`
}

// AssetDeclaration attaches a produced or consumed asset to a step.
// Unique per (workflowDefID, stepID, direction, assetID).
type AssetDeclaration struct {
	ID              string                 `json:"id,omitempty"`
	WorkflowDefID   string                 `json:"workflowDefinitionId,omitempty"`
	StepID          string                 `json:"stepId,omitempty"`
	Direction       AssetDirection         `json:"direction"`
	AssetID         string                 `json:"assetId"`
	Schema          json.RawMessage        `json:"schema,omitempty"`
	Freshness       *FreshnessPolicy       `json:"freshness,omitempty"`
	AutoMaterialize *AutoMaterializePolicy `json:"autoMaterialize,omitempty"`
	Partitioning    *Partitioning          `json:"partitioning,omitempty"`
}

// AssetMaterialization is one produced asset partition row.
type AssetMaterialization struct {
	ID            string          `json:"id"`
	WorkflowDefID string          `json:"workflowDefinitionId"`
	RunID         string          `json:"workflowRunId"`
	RunStepID     string          `json:"workflowRunStepId"`
	StepID        string          `json:"stepId"`
	AssetID       string          `json:"assetId"`
	PartitionKey  *string         `json:"partitionKey,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	Schema        json.RawMessage `json:"assetSchema,omitempty"`
	Freshness     *FreshnessPolicy `json:"freshness,omitempty"`
	ProducedAt    time.Time       `json:"producedAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// AssetStalePartition marks a partition stale, set by an operator or by policy.
type AssetStalePartition struct {
	WorkflowDefID string    `json:"workflowDefinitionId"`
	AssetID       string    `json:"assetId"`
	PartitionKey  *string   `json:"partitionKey,omitempty"`
	RequestedBy   string    `json:"requestedBy"`
	RequestedAt   time.Time `json:"requestedAt"`
	Note          string    `json:"note,omitempty"`
}

// ParameterSource distinguishes operator-set from policy-set partition parameters.
type ParameterSource string

const (
	ParameterSourceManual ParameterSource = "manual"
	ParameterSourceSystem ParameterSource = "system"
)

// AssetPartitionParameters is a per-partition parameter snapshot.
type AssetPartitionParameters struct {
	WorkflowDefID string          `json:"workflowDefinitionId"`
	AssetID       string          `json:"assetId"`
	PartitionKey  string          `json:"partitionKey"`
	Parameters    map[string]any  `json:"parameters"`
	Source        ParameterSource `json:"source"`
	CapturedAt    time.Time       `json:"capturedAt"`
}
