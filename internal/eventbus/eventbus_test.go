package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
)

func TestInlineDelivery(t *testing.T) {
	bus := New()
	defer bus.Stop()

	var mu sync.Mutex
	var received []core.Event
	unsubscribe := bus.Subscribe(func(_ context.Context, ev core.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})

	bus.Publish(context.Background(), core.NewEvent(core.EventWorkflowRunRunning, "test", map[string]any{"runId": "r1"}))
	bus.Publish(context.Background(), core.NewEvent(core.EventWorkflowRunSucceeded, "test", nil))

	mu.Lock()
	require.Len(t, received, 2)
	assert.Equal(t, core.EventWorkflowRunRunning, received[0].Type)
	assert.Equal(t, core.EventWorkflowRunSucceeded, received[1].Type)
	mu.Unlock()

	unsubscribe()
	bus.Publish(context.Background(), core.NewEvent(core.EventWorkflowRunFailed, "test", nil))
	mu.Lock()
	assert.Len(t, received, 2)
	mu.Unlock()
}

func TestLoopbackSuppression(t *testing.T) {
	bus := New()
	defer bus.Stop()

	var count int
	bus.Subscribe(func(_ context.Context, _ core.Event) { count++ })

	ev := core.NewEvent(core.EventAssetProduced, "test", nil)
	// Simulate an own-origin envelope arriving from the broker.
	bus.receive(context.Background(), `{"origin":"`+bus.Origin()+`","event":{"id":"x","type":"asset.produced"}}`)
	assert.Zero(t, count)

	// A foreign-origin envelope is delivered.
	bus.receive(context.Background(), `{"origin":"other","event":{"id":"`+ev.ID+`","type":"asset.produced"}}`)
	assert.Equal(t, 1, count)
}

func TestInlineModeIsNeverDegraded(t *testing.T) {
	bus := New()
	defer bus.Stop()
	assert.True(t, bus.Degraded(), "no broker means inline-only")
}

type recordingSampler struct {
	mu    sync.Mutex
	metas []core.WorkflowEventMetadata
}

func (s *recordingSampler) RecordProducerSample(_ context.Context, meta core.WorkflowEventMetadata, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, meta)
	return nil
}

func TestSamplingOnWorkflowMetadata(t *testing.T) {
	sampler := &recordingSampler{}
	bus := New(WithSampler(sampler))
	defer bus.Stop()

	plain := core.NewEvent(core.EventWorkflowRunUpdated, "test", nil)
	bus.Publish(context.Background(), plain)

	tagged := core.NewEvent(core.EventJobRunSucceeded, "test", nil)
	tagged.WithWorkflowMetadata(core.WorkflowEventMetadata{WorkflowRunID: "run-1", JobSlug: "extract"})
	bus.Publish(context.Background(), tagged)

	sampler.mu.Lock()
	defer sampler.mu.Unlock()
	require.Len(t, sampler.metas, 1)
	assert.Equal(t, "run-1", sampler.metas[0].WorkflowRunID)
	assert.Equal(t, "extract", sampler.metas[0].JobSlug)
}
