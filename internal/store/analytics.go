package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/models"
)

type analyticsRepo struct {
	pool *pgxpool.Pool
}

func (r *analyticsRepo) ListDefinitionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, queryErr(err, "list definition ids")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, queryErr(err, "list definition ids")
	}
	return ids, nil
}

// WorkflowStats aggregates run counts, durations and failure categories for
// one definition over the window, bucketed for the time series.
func (r *analyticsRepo) WorkflowStats(ctx context.Context, defID string, window, bucket time.Duration) (*models.WorkflowStats, error) {
	since := nowUTC().Add(-window)
	stats := &models.WorkflowStats{
		WorkflowDefID:     defID,
		StatusCounts:      map[string]int{},
		FailureCategories: map[string]int{},
	}

	rows, err := r.pool.Query(ctx, `
SELECT status, count(*), COALESCE(avg(duration_ms), 0)
FROM workflow_runs
WHERE workflow_definition_id = $1 AND created_at >= $2
GROUP BY status`, defID, since)
	if err != nil {
		return nil, queryErr(err, "aggregate run statuses for %s", defID)
	}
	var weightedDuration float64
	var completed int
	for rows.Next() {
		var (
			status string
			count  int
			avgMs  float64
		)
		if err := rows.Scan(&status, &count, &avgMs); err != nil {
			rows.Close()
			return nil, queryErr(err, "scan status aggregate")
		}
		stats.StatusCounts[status] = count
		stats.TotalRuns += count
		if core.RunStatus(status).IsTerminal() {
			weightedDuration += avgMs * float64(count)
			completed += count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, queryErr(err, "aggregate run statuses for %s", defID)
	}

	if completed > 0 {
		stats.AverageDurationMs = weightedDuration / float64(completed)
		stats.SuccessRate = float64(stats.StatusCounts[string(core.RunSucceeded)]) / float64(completed)
		stats.FailureRate = float64(stats.StatusCounts[string(core.RunFailed)]) / float64(completed)
	}

	rows, err = r.pool.Query(ctx, `
SELECT s.failure_reason, count(*)
FROM workflow_run_steps s
JOIN workflow_runs r ON r.id = s.workflow_run_id
WHERE r.workflow_definition_id = $1 AND r.created_at >= $2
  AND s.failure_reason IS NOT NULL
GROUP BY s.failure_reason`, defID, since)
	if err != nil {
		return nil, queryErr(err, "aggregate failure categories for %s", defID)
	}
	for rows.Next() {
		var (
			reason string
			count  int
		)
		if err := rows.Scan(&reason, &count); err != nil {
			rows.Close()
			return nil, queryErr(err, "scan failure aggregate")
		}
		stats.FailureCategories[reason] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, queryErr(err, "aggregate failure categories for %s", defID)
	}

	if bucket > 0 {
		buckets, err := r.bucketed(ctx, defID, since, bucket)
		if err != nil {
			return nil, err
		}
		stats.Buckets = buckets
	}
	return stats, nil
}

func (r *analyticsRepo) bucketed(ctx context.Context, defID string, since time.Time, bucket time.Duration) ([]models.WorkflowStatsBucket, error) {
	rows, err := r.pool.Query(ctx, `
SELECT to_timestamp(floor(extract(epoch FROM created_at) / $3) * $3) AS bucket_start,
       status, count(*)
FROM workflow_runs
WHERE workflow_definition_id = $1 AND created_at >= $2
GROUP BY bucket_start, status
ORDER BY bucket_start`, defID, since, bucket.Seconds())
	if err != nil {
		return nil, queryErr(err, "aggregate run buckets for %s", defID)
	}
	defer rows.Close()

	var out []models.WorkflowStatsBucket
	for rows.Next() {
		var (
			start  time.Time
			status string
			count  int
		)
		if err := rows.Scan(&start, &status, &count); err != nil {
			return nil, queryErr(err, "scan run bucket")
		}
		if len(out) == 0 || !out[len(out)-1].BucketStart.Equal(start) {
			out = append(out, models.WorkflowStatsBucket{
				BucketStart:  start,
				StatusCounts: map[string]int{},
			})
		}
		last := &out[len(out)-1]
		last.StatusCounts[status] = count
		last.TotalRuns += count
	}
	return out, rows.Err()
}
