package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine-layer errors. HTTP callers receive the kind in the
// structured error envelope; the orchestrator uses it for retry decisions.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindConflict      Kind = "CONFLICT"
	KindNotFound      Kind = "NOT_FOUND"
	KindTransient     Kind = "TRANSIENT"
	KindHeartbeatLost Kind = "HEARTBEAT_LOST"
	KindCanceled      Kind = "CANCELED"
	KindFatal         Kind = "FATAL"
)

// Error is the engine-layer error carrying a kind and optional detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two engine errors by kind so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

func NewError(kind Kind, format string, v ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

func WrapError(kind Kind, err error, format string, v ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...), Err: err}
}

func ValidationErr(format string, v ...any) *Error {
	return NewError(KindValidation, format, v...)
}

func ConflictErr(format string, v ...any) *Error {
	return NewError(KindConflict, format, v...)
}

func NotFoundErr(format string, v ...any) *Error {
	return NewError(KindNotFound, format, v...)
}

func TransientErr(err error, format string, v ...any) *Error {
	return WrapError(KindTransient, err, format, v...)
}

// KindOf extracts the engine kind of an error, defaulting to FATAL for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrorList collects multiple errors, typically while validating a
// workflow definition.
type ErrorList []error

// Error implements the error interface. It returns a string with all the
// errors separated by a semicolon.
func (e ErrorList) Error() string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return strings.Join(errStrings, "; ")
}

// Unwrap allows errors.Is to check against each error in the list.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return e
}
