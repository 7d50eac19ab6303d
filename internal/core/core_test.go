package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsAndWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransientErr(cause, "dial warehouse %s", "primary")

	assert.True(t, IsKind(err, KindTransient))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial warehouse primary")

	wrapped := fmt.Errorf("tick failed: %w", err)
	assert.True(t, IsKind(wrapped, KindTransient))
	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestKindOfPlainErrorIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(errors.New("boom"), KindValidation))
}

func TestWithDetailChains(t *testing.T) {
	err := ConflictErr("run key conflict").
		WithDetail("existingRunId", "run-1").
		WithDetail("code", "RUN_KEY_CONFLICT")

	require.Len(t, err.Detail, 2)
	assert.Equal(t, "run-1", err.Detail["existingRunId"])
}

func TestFailureReasonRetryable(t *testing.T) {
	retryable := []FailureReason{FailureTimeout, FailureHeartbeatLost, FailureUpstreamUnavailable}
	for _, reason := range retryable {
		assert.True(t, reason.Retryable(), "reason %s", reason)
	}
	permanent := []FailureReason{FailureValidation, FailureHandlerError, FailureCanceled, FailureUnknown}
	for _, reason := range permanent {
		assert.False(t, reason.Retryable(), "reason %s", reason)
	}
}

func TestAttemptTokenIsStablePerAttempt(t *testing.T) {
	token := AttemptToken("run-1", "resize", 1)
	assert.Len(t, token, 16)
	assert.Equal(t, token, AttemptToken("run-1", "resize", 1))
	assert.NotEqual(t, token, AttemptToken("run-1", "resize", 2))
	assert.NotEqual(t, token, AttemptToken("run-2", "resize", 1))
}

func TestRunStatusIsTerminal(t *testing.T) {
	assert.True(t, RunSucceeded.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunCanceled.IsTerminal())
	assert.False(t, RunPending.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
}
