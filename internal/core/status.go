package core

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the run counts against run-key uniqueness.
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// StepStatus is the lifecycle state of a single run step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// JobRunStatus is the lifecycle state of a job run.
type JobRunStatus string

const (
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
	JobRunCanceled  JobRunStatus = "canceled"
	JobRunExpired   JobRunStatus = "expired"
)

// BundleVersionStatus is the publication state of a job bundle version.
type BundleVersionStatus string

const (
	BundlePublished  BundleVersionStatus = "published"
	BundleDeprecated BundleVersionStatus = "deprecated"
)

// DeliveryStatus tracks an event trigger delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliveryFailed    DeliveryStatus = "failed"
)

// FailureReason classifies why a step attempt failed. The categories drive
// the failure-category metrics and retry decisions.
type FailureReason string

const (
	FailureValidation          FailureReason = "validation"
	FailureTimeout             FailureReason = "timeout"
	FailureHeartbeatLost       FailureReason = "heartbeat_lost"
	FailureHandlerError        FailureReason = "handler_error"
	FailureUpstreamUnavailable FailureReason = "upstream_unavailable"
	FailureCanceled            FailureReason = "canceled"
	FailureUnknown             FailureReason = "unknown"
)

// Retryable reports whether the failure class is subject to retry policy.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureTimeout, FailureHeartbeatLost, FailureUpstreamUnavailable:
		return true
	default:
		return false
	}
}
