package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/store/memory"
)

func seedRun(t *testing.T, store *memory.Store, defID string, status core.RunStatus) {
	t.Helper()
	ctx := context.Background()
	run := &core.WorkflowRun{ID: uuid.NewString(), WorkflowDefID: defID, Status: core.RunPending}
	require.NoError(t, store.Runs().Create(ctx, run))
	if status == core.RunPending {
		return
	}
	_, err := store.Runs().Claim(ctx, run.ID, "analytics-test")
	require.NoError(t, err)
	if status == core.RunRunning {
		return
	}
	require.NoError(t, store.Runs().Finalize(ctx, run.ID, models.RunFinalization{Status: status}))
}

func TestSnapshotPublishesPerWorkflowStats(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	def := &core.WorkflowDefinition{ID: uuid.NewString(), Slug: "orders", Name: "Orders", Version: 1}
	require.NoError(t, store.Definitions().Create(ctx, def))
	seedRun(t, store, def.ID, core.RunSucceeded)
	seedRun(t, store, def.ID, core.RunSucceeded)
	seedRun(t, store, def.ID, core.RunFailed)
	seedRun(t, store, def.ID, core.RunRunning)

	bus := eventbus.New()
	var mu sync.Mutex
	var events []core.Event
	bus.Subscribe(func(ctx context.Context, event core.Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	s := New(Options{Analytics: store.Analytics(), Bus: bus, Interval: 30 * time.Second})
	require.NoError(t, s.Snapshot(ctx))
	assert.False(t, s.Suspended())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, core.EventAnalyticsSnapshot, events[0].Type)
	assert.Equal(t, def.ID, events[0].Payload["workflowDefinitionId"])

	stats, ok := events[0].Payload["stats"].(*models.WorkflowStats)
	require.True(t, ok)
	assert.Equal(t, 4, stats.TotalRuns)
	assert.Equal(t, 2, stats.StatusCounts["succeeded"])
	assert.Equal(t, 1, stats.StatusCounts["failed"])
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate, 1e-9)
}

type erroringAnalytics struct {
	listErr  error
	statsErr error
}

func (f *erroringAnalytics) ListDefinitionIDs(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []string{"def-1"}, nil
}

func (f *erroringAnalytics) WorkflowStats(context.Context, string, time.Duration, time.Duration) (*models.WorkflowStats, error) {
	return nil, f.statsErr
}

func TestSnapshotSuspendsOnFatalStoreError(t *testing.T) {
	repo := &erroringAnalytics{
		listErr: core.WrapError(core.KindFatal, nil, "dial tcp 127.0.0.1:5432: connect: connection refused"),
	}
	s := New(Options{Analytics: repo, Interval: 30 * time.Second})

	err := s.Snapshot(context.Background())
	require.Error(t, err)
	assert.True(t, s.Suspended())
}

func TestSnapshotSkipsWorkflowOnTransientError(t *testing.T) {
	repo := &erroringAnalytics{
		statsErr: core.TransientErr(nil, "lock timeout"),
	}
	s := New(Options{Analytics: repo, Interval: 30 * time.Second})

	require.NoError(t, s.Snapshot(context.Background()))
	assert.False(t, s.Suspended())
}

func TestSnapshotSingleFlight(t *testing.T) {
	store := memory.New()
	s := New(Options{Analytics: store.Analytics(), Interval: 30 * time.Second})

	require.True(t, s.inFlight.CompareAndSwap(false, true))
	// A concurrent snapshot must be dropped, not queued.
	require.NoError(t, s.Snapshot(context.Background()))
	s.inFlight.Store(false)
}
