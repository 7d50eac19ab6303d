package core

import (
	"time"
)

// StepType discriminates the step variants of a workflow definition.
type StepType string

const (
	StepTypeJob     StepType = "job"
	StepTypeService StepType = "service"
	StepTypeFanOut  StepType = "fanout"
)

// BundleStrategy selects how a job step binds to a bundle version.
type BundleStrategy string

const (
	// BundleLatest resolves to the highest published version at run
	// creation time, not definition time.
	BundleLatest BundleStrategy = "latest"
	BundlePinned BundleStrategy = "pinned"
)

// BundleBinding binds a job step to a job bundle artifact.
type BundleBinding struct {
	Strategy   BundleStrategy `json:"strategy"`
	Slug       string         `json:"slug"`
	Version    string         `json:"version,omitempty"`
	ExportName string         `json:"exportName,omitempty"`
}

// RetrySpec is the per-step retry policy as declared in a definition.
type RetrySpec struct {
	MaxAttempts    int    `json:"maxAttempts"`
	Strategy       string `json:"strategy,omitempty"` // fixed | exponential
	InitialDelayMs int64  `json:"initialDelayMs,omitempty"`
	MaxDelayMs     int64  `json:"maxDelayMs,omitempty"`
}

// ServiceRequest is the request template of a service step.
type ServiceRequest struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// FanOutSpec configures a fan-out step. The template sub-step is expanded
// once per element of the evaluated collection.
type FanOutSpec struct {
	// Collection is either a literal JSON array or a jq expression over
	// {parameters, context, steps}.
	Collection     any    `json:"collection"`
	MaxItems       int    `json:"maxItems,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	StoreResultsAs string `json:"storeResultsAs,omitempty"`
	Template       *Step  `json:"template"`
}

// Step is a node in a workflow definition graph.
type Step struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        StepType `json:"type"`
	DependsOn   []string `json:"dependsOn,omitempty"`

	Retry     *RetrySpec `json:"retry,omitempty"`
	TimeoutMs int64      `json:"timeoutMs,omitempty"`

	// Job step fields.
	JobSlug    string         `json:"jobSlug,omitempty"`
	Bundle     *BundleBinding `json:"bundle,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Service step fields.
	ServiceSlug     string          `json:"serviceSlug,omitempty"`
	Request         *ServiceRequest `json:"request,omitempty"`
	RequireHealthy  bool            `json:"requireHealthy,omitempty"`
	AllowDegraded   bool            `json:"allowDegraded,omitempty"`
	CaptureResponse bool            `json:"captureResponse,omitempty"`
	StoreResponseAs string          `json:"storeResponseAs,omitempty"`

	// Fan-out step fields.
	FanOut *FanOutSpec `json:"fanOut,omitempty"`

	Produces []AssetDeclaration `json:"produces,omitempty"`
	Consumes []AssetDeclaration `json:"consumes,omitempty"`
}

// RetryPolicy converts the declared spec into an executable backoff policy.
// Steps with no spec get a single attempt.
func (s *Step) RetryPolicyOrDefault() RetrySpec {
	if s.Retry == nil {
		return RetrySpec{MaxAttempts: 1}
	}
	r := *s.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	return r
}

// Timeout returns the per-step timeout, zero when unset.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
