package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/dag"
	"github.com/apphub/apphub/internal/executor"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/orchestrator"
	"github.com/apphub/apphub/internal/store/memory"
)

func newTestServer(t *testing.T, tokens []string) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()

	handlers := executor.NewRegistry()
	handlers.Register("job-build", func(ctx context.Context, sc *executor.StepContext) (map[string]any, error) {
		return map[string]any{"built": true}, nil
	})

	exec := executor.New(executor.Options{
		Handlers: handlers,
		Ledger:   assets.NewLedger(store.Assets(), store.Audit()),
		JobRuns:  store.JobRuns(),
		Steps:    store.RunSteps(),
	})
	orc := orchestrator.New(orchestrator.Options{
		Owner:       "server-test",
		Definitions: store.Definitions(),
		Runs:        store.Runs(),
		Steps:       store.RunSteps(),
		History:     store.History(),
		Executor:    exec,
	})

	srv := New(Options{
		Tokens:       tokens,
		Orchestrator: orc,
		Defs:         store.Definitions(),
		Runs:         store.Runs(),
		Steps:        store.RunSteps(),
		History:      store.History(),
		Metrics:      metrics.New(),
	})
	return srv, store
}

func seedDefinition(t *testing.T, store *memory.Store) *core.WorkflowDefinition {
	t.Helper()
	steps := []core.Step{{ID: "build", Type: core.StepTypeJob, JobSlug: "job-build"}}
	normalized, meta, err := dag.ValidateAndCompile(steps)
	require.NoError(t, err)
	def := &core.WorkflowDefinition{
		ID:      uuid.NewString(),
		Slug:    "site-build",
		Name:    "Site Build",
		Version: 1,
		Steps:   normalized,
		Dag:     meta,
	}
	require.NoError(t, store.Definitions().Create(context.Background(), def))
	return def
}

func TestCreateRunReturnsPendingRun(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedDefinition(t, store)

	body := strings.NewReader(`{"parameters":{"branch":"main"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/site-build/runs", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var run core.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, core.TriggeredByManual, run.TriggeredBy)

	// Execution is detached; the run must finish shortly after the 201.
	require.Eventually(t, func() bool {
		got, err := store.Runs().Get(context.Background(), run.ID)
		return err == nil && got.Status == core.RunSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateRunUnknownWorkflowIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/missing/runs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error struct {
			Kind    string         `json:"kind"`
			Message string         `json:"message"`
			Detail  map[string]any `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(core.KindNotFound), body.Error.Kind)
	assert.NotEmpty(t, body.Error.Message)
}

func TestRunKeyConflictEnvelopeCarriesDetail(t *testing.T) {
	srv, store := newTestServer(t, nil)
	def := seedDefinition(t, store)

	key := "nightly build"
	normalized := "nightly-build"
	existing := &core.WorkflowRun{
		ID:               uuid.NewString(),
		WorkflowDefID:    def.ID,
		Status:           core.RunPending,
		RunKey:           &key,
		RunKeyNormalized: &normalized,
	}
	require.NoError(t, store.Runs().Create(context.Background(), existing))

	// Same key, different spacing and case, while the first run is active.
	body := strings.NewReader(`{"runKey":"  Nightly   Build "}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/site-build/runs", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var conflict struct {
		Error struct {
			Kind   string         `json:"kind"`
			Detail map[string]any `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, string(core.KindConflict), conflict.Error.Kind)
	assert.Equal(t, existing.ID, conflict.Error.Detail["existingRunId"])
	assert.Equal(t, "RUN_KEY_CONFLICT", conflict.Error.Detail["code"])
}

func TestGetRunIncludesSteps(t *testing.T) {
	srv, store := newTestServer(t, nil)
	def := seedDefinition(t, store)

	run := &core.WorkflowRun{ID: uuid.NewString(), WorkflowDefID: def.ID, Status: core.RunPending}
	require.NoError(t, store.Runs().Create(context.Background(), run))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Run   core.WorkflowRun       `json:"run"`
		Steps []core.WorkflowRunStep `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, run.ID, payload.Run.ID)
}

func TestTokenAuthRejectsBadBearer(t *testing.T) {
	srv, store := newTestServer(t, []string{"secret-token"})
	seedDefinition(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/site-build/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/site-build/runs", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, []string{"secret-token"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func newDownloadServer(t *testing.T) (*Server, *bundles.Signer, *core.JobBundleVersion) {
	t.Helper()
	store := memory.New()

	artifacts, err := bundles.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	registry := bundles.NewRegistry(store.Bundles(), artifacts, nil, 0)
	version, err := registry.Publish(context.Background(), bundles.PublishInput{
		Slug:        "report-builder",
		Version:     "1.2.0",
		Data:        strings.NewReader("bundle-archive-bytes"),
		ContentType: "application/gzip",
	})
	require.NoError(t, err)

	signer := bundles.NewSigner([]byte("download-secret"))
	srv := New(Options{
		Bundles: registry,
		Signer:  signer,
		Metrics: metrics.New(),
	})
	return srv, signer, version
}

func TestDownloadBundleStreamsArtifact(t *testing.T) {
	srv, signer, version := newDownloadServer(t)

	token := signer.Sign(version.Slug, version.Version, time.Now().Add(5*time.Minute))
	url := "/api/v1/bundles/" + version.Slug + "/versions/" + version.Version + "/download?token=" + token
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bundle-archive-bytes", rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report-builder-1.2.0.tgz"`, rec.Header().Get("Content-Disposition"))
}

func TestDownloadBundleRejectsExpiredToken(t *testing.T) {
	srv, signer, version := newDownloadServer(t)

	token := signer.Sign(version.Slug, version.Version, time.Now().Add(-time.Minute))
	url := "/api/v1/bundles/" + version.Slug + "/versions/" + version.Version + "/download?token=" + token
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadBundleRejectsForgedToken(t *testing.T) {
	srv, _, version := newDownloadServer(t)

	other := bundles.NewSigner([]byte("some-other-secret"))
	token := other.Sign(version.Slug, version.Version, time.Now().Add(5*time.Minute))
	url := "/api/v1/bundles/" + version.Slug + "/versions/" + version.Version + "/download?token=" + token
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadBundleUnknownVersionIs404(t *testing.T) {
	srv, signer, version := newDownloadServer(t)

	token := signer.Sign(version.Slug, "9.9.9", time.Now().Add(5*time.Minute))
	url := "/api/v1/bundles/" + version.Slug + "/versions/9.9.9/download?token=" + token
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownRunIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
