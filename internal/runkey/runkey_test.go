package runkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
)

func TestNormalizeCollapsesCaseAndWhitespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Order 42", "order-42"},
		{"  order   42 ", "order-42"},
		{"ORDER\t42", "order-42"},
		{"already-normal", "already-normal"},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestNormalizeRejectsBlankKeys(t *testing.T) {
	for _, in := range []string{"", "   ", "\t\n"} {
		_, err := Normalize(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, core.IsKind(err, core.KindValidation))
	}
}

func TestConflictErrorCarriesExistingRun(t *testing.T) {
	conflict := &ConflictError{ExistingRun: &core.WorkflowRun{ID: "run-1"}}
	engineErr := conflict.AsEngineError()

	assert.True(t, core.IsKind(engineErr, core.KindConflict))
	assert.Equal(t, "run-1", engineErr.Detail["existingRunId"])
	assert.Equal(t, "RUN_KEY_CONFLICT", engineErr.Detail["code"])
	assert.ErrorIs(t, engineErr, conflict)
}
