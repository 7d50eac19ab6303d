package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/store/memory"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.FailureReason
	}{
		{"timeout", context.DeadlineExceeded, core.FailureTimeout},
		{"canceled", context.Canceled, core.FailureCanceled},
		{"plain handler error", errors.New("boom"), core.FailureHandlerError},
		{"transient", core.TransientErr(nil, "service down"), core.FailureUpstreamUnavailable},
		{"validation", core.ValidationErr("bad input"), core.FailureValidation},
		{"fatal", core.NewError(core.KindFatal, "stalled"), core.FailureUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func jobEnv(t *testing.T) (*Executor, *Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	handlers := NewRegistry()
	exec := New(Options{
		Handlers: handlers,
		JobRuns:  store.JobRuns(),
		Steps:    store.RunSteps(),
	})
	return exec, handlers, store
}

func TestJobStepMergesParametersAndRecordsJobRun(t *testing.T) {
	exec, handlers, store := jobEnv(t)
	ctx := context.Background()

	var seen map[string]any
	handlers.Register("resize", func(ctx context.Context, sc *StepContext) (map[string]any, error) {
		seen = sc.Parameters
		require.NotEmpty(t, sc.AttemptToken)
		return map[string]any{"resized": true}, nil
	})

	def := &core.WorkflowDefinition{ID: "def-1"}
	run := &core.WorkflowRun{
		ID:         "run-1",
		Parameters: map[string]any{"quality": 80, "format": "png"},
	}
	runStep := &core.WorkflowRunStep{ID: "row-1", RunID: run.ID, StepID: "resize", Attempt: 1}
	step := &core.Step{
		ID:         "resize",
		Type:       core.StepTypeJob,
		JobSlug:    "resize",
		Parameters: map[string]any{"format": "webp"},
	}

	result, err := exec.Execute(ctx, def, run, runStep, step)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"resized": true}, result.Output)

	// Step parameters win over run parameters.
	assert.Equal(t, "webp", seen["format"])
	assert.Equal(t, 80, seen["quality"])

	require.NotNil(t, result.JobRunID)
	jobRun, err := store.JobRuns().Get(ctx, *result.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunSucceeded, jobRun.Status)
}

func TestJobStepFailureRecordsFailedJobRun(t *testing.T) {
	exec, handlers, store := jobEnv(t)
	ctx := context.Background()

	handlers.Register("flaky", func(ctx context.Context, sc *StepContext) (map[string]any, error) {
		return nil, core.TransientErr(nil, "warehouse unavailable")
	})

	def := &core.WorkflowDefinition{ID: "def-1"}
	run := &core.WorkflowRun{ID: "run-1"}
	runStep := &core.WorkflowRunStep{ID: "row-1", RunID: run.ID, StepID: "flaky", Attempt: 1}
	step := &core.Step{ID: "flaky", Type: core.StepTypeJob, JobSlug: "flaky"}

	result, err := exec.Execute(ctx, def, run, runStep, step)
	require.Error(t, err)
	assert.Equal(t, core.FailureUpstreamUnavailable, Classify(err))

	require.NotNil(t, result.JobRunID)
	jobRun, getErr := store.JobRuns().Get(ctx, *result.JobRunID)
	require.NoError(t, getErr)
	assert.Equal(t, core.JobRunFailed, jobRun.Status)
	require.NotNil(t, jobRun.FailureReason)
	assert.Equal(t, core.FailureUpstreamUnavailable, *jobRun.FailureReason)
}

func TestStepTimeoutMapsToTimeoutFailure(t *testing.T) {
	exec, handlers, _ := jobEnv(t)

	handlers.Register("slow", func(ctx context.Context, sc *StepContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &core.WorkflowDefinition{ID: "def-1"}
	run := &core.WorkflowRun{ID: "run-1"}
	runStep := &core.WorkflowRunStep{ID: "row-1", RunID: run.ID, StepID: "slow", Attempt: 1}
	step := &core.Step{ID: "slow", Type: core.StepTypeJob, JobSlug: "slow", TimeoutMs: 20}

	_, err := exec.Execute(context.Background(), def, run, runStep, step)
	require.Error(t, err)
	assert.Equal(t, core.FailureTimeout, Classify(err))
}

func serviceEnv(t *testing.T, handler http.HandlerFunc) (*Executor, *ServiceClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	services := NewServiceClient(5 * time.Second)
	services.RegisterService("thumbnailer", srv.URL)

	store := memory.New()
	exec := New(Options{
		Handlers: NewRegistry(),
		JobRuns:  store.JobRuns(),
		Steps:    store.RunSteps(),
		Services: services,
	})
	return exec, services, srv
}

func serviceStep() *core.Step {
	return &core.Step{
		ID:          "call",
		Type:        core.StepTypeService,
		ServiceSlug: "thumbnailer",
		Request: &core.ServiceRequest{
			Method: "POST",
			Path:   "/v1/thumbnails",
		},
		CaptureResponse: true,
		StoreResponseAs: "thumbnail",
	}
}

func TestServiceStepCapturesResponse(t *testing.T) {
	exec, _, _ := serviceEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/thumbnails", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://cdn/thumb.png"}`))
	})

	result, err := exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, serviceStep())
	require.NoError(t, err)

	body, ok := result.Output["thumbnail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://cdn/thumb.png", body["url"])
}

func TestServiceStepStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   core.FailureReason
	}{
		{"server error is retryable", http.StatusBadGateway, core.FailureUpstreamUnavailable},
		{"client error is permanent", http.StatusUnprocessableEntity, core.FailureValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec, _, _ := serviceEnv(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, serviceStep())
			require.Error(t, err)
			assert.Equal(t, tc.want, Classify(err))
		})
	}
}

func TestServiceStepHealthGate(t *testing.T) {
	exec, services, _ := serviceEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	step := serviceStep()
	step.RequireHealthy = true

	services.SetHealth("thumbnailer", HealthUnhealthy)
	_, err := exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, step)
	require.Error(t, err)
	assert.Equal(t, core.FailureUpstreamUnavailable, Classify(err))

	// Degraded passes only when the step opts in.
	services.SetHealth("thumbnailer", HealthDegraded)
	_, err = exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, step)
	require.Error(t, err)

	step.AllowDegraded = true
	_, err = exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, step)
	require.NoError(t, err)

	services.SetHealth("thumbnailer", HealthHealthy)
	_, err = exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, step)
	require.NoError(t, err)
}

func TestUnregisteredServiceIsNotFound(t *testing.T) {
	store := memory.New()
	exec := New(Options{
		Handlers: NewRegistry(),
		JobRuns:  store.JobRuns(),
		Steps:    store.RunSteps(),
		Services: NewServiceClient(time.Second),
	})

	step := serviceStep()
	step.ServiceSlug = "missing"
	_, err := exec.Execute(context.Background(), nil, &core.WorkflowRun{ID: "run-1"}, &core.WorkflowRunStep{ID: "row-1"}, step)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}
