// Package runkey normalizes user-supplied run keys. The normalized form is
// what the single-active-run partial unique index is built over.
package runkey

import (
	"regexp"
	"strings"

	"github.com/apphub/apphub/internal/core"
)

var whitespace = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases and collapses internal whitespace to "-".
// Empty keys are rejected.
func Normalize(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", core.ValidationErr("runKey must not be empty")
	}
	return whitespace.ReplaceAllString(strings.ToLower(trimmed), "-"), nil
}

// ConflictError surfaces a run-key conflict along with the existing
// pending or running run so callers can return the current state.
type ConflictError struct {
	ExistingRun *core.WorkflowRun
}

func (e *ConflictError) Error() string {
	return "an active run already exists for this run key"
}

// AsEngineError converts the conflict to the engine error envelope with
// kind CONFLICT and the existing run id in the detail.
func (e *ConflictError) AsEngineError() *core.Error {
	err := core.ConflictErr("run key conflict")
	err.Err = e
	if e.ExistingRun != nil {
		err.WithDetail("existingRunId", e.ExistingRun.ID)
		err.WithDetail("code", "RUN_KEY_CONFLICT")
	}
	return err
}
