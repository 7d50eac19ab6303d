// Package store is the Postgres persistence layer. It implements the
// repository interfaces in internal/models on top of pgx.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
)

// Store hands out repository implementations sharing one connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.TransientErr(err, "ping database")
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, used by tests against a shared database.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Definitions() models.DefinitionRepo { return &definitionRepo{pool: s.pool} }
func (s *Store) Runs() models.RunRepo               { return &runRepo{pool: s.pool} }
func (s *Store) RunSteps() models.RunStepRepo       { return &runStepRepo{pool: s.pool} }
func (s *Store) Assets() models.AssetRepo           { return &assetRepo{pool: s.pool} }
func (s *Store) Schedules() models.ScheduleRepo     { return &scheduleRepo{pool: s.pool} }
func (s *Store) Triggers() models.TriggerRepo       { return &triggerRepo{pool: s.pool} }
func (s *Store) JobRuns() models.JobRunRepo         { return &jobRunRepo{pool: s.pool} }
func (s *Store) Bundles() models.BundleRepo         { return &bundleRepo{pool: s.pool} }
func (s *Store) History() models.HistoryRepo        { return &historyRepo{pool: s.pool} }
func (s *Store) Audit() models.AuditRepo            { return &auditRepo{pool: s.pool} }
func (s *Store) AutoRuns() models.AutoRunRepo       { return &autoRunRepo{pool: s.pool} }
func (s *Store) Samples() models.SampleRepo         { return &sampleRepo{pool: s.pool} }
func (s *Store) Analytics() models.AnalyticsRepo    { return &analyticsRepo{pool: s.pool} }

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return core.TransientErr(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.TransientErr(err, "commit transaction")
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.NotFoundErr(format, args...)
	}
	return core.TransientErr(err, format, args...)
}

// affectedOne maps a zero-row UPDATE to NOT_FOUND.
func affectedOne(tag pgconn.CommandTag, format string, args ...any) error {
	if tag.RowsAffected() == 0 {
		return core.NotFoundErr(format, args...)
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// fatalDB reports connection-level failures: the backend shut down, is
// refusing connections, or the wire broke. Queries that merely failed stay
// transient and retryable.
func fatalDB(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P0x admin/crash shutdown, class 08 connection exceptions.
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

// queryErr wraps a query failure as TRANSIENT unless the connection itself
// is gone, which fail-stop tasks like analytics treat as FATAL.
func queryErr(err error, format string, args ...any) error {
	if fatalDB(err) {
		return core.WrapError(core.KindFatal, err, format, args...)
	}
	return core.TransientErr(err, format, args...)
}
