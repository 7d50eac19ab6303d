package store

import (
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/apphub/apphub/internal/core"
)

func TestQueryErrClassifiesConnectionFailuresAsFatal(t *testing.T) {
	fatal := []error{
		&pgconn.PgError{Code: "57P01"}, // admin_shutdown
		&pgconn.PgError{Code: "57P02"}, // crash_shutdown
		&pgconn.PgError{Code: "57P03"}, // cannot_connect_now
		&pgconn.PgError{Code: "08006"}, // connection_failure
		&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	for _, cause := range fatal {
		err := queryErr(cause, "aggregate runs")
		assert.True(t, core.IsKind(err, core.KindFatal), "cause %v", cause)
		assert.ErrorIs(t, err, cause)
	}
}

func TestQueryErrKeepsQueryFailuresTransient(t *testing.T) {
	transient := []error{
		&pgconn.PgError{Code: "40001"}, // serialization_failure
		&pgconn.PgError{Code: "42703"}, // undefined_column
		errors.New("context canceled mid scan"),
	}
	for _, cause := range transient {
		err := queryErr(cause, "aggregate runs")
		assert.True(t, core.IsKind(err, core.KindTransient), "cause %v", cause)
	}
}

func TestQueryErrUnwrapsThroughLayers(t *testing.T) {
	wrapped := &net.OpError{Op: "read", Err: syscall.ECONNRESET}
	err := queryErr(errors.Join(errors.New("exec query"), wrapped), "list ids")
	assert.True(t, core.IsKind(err, core.KindFatal))
}
