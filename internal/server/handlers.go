package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
)

type handlers struct {
	orchestrator *orchestrator.Orchestrator
	defs         models.DefinitionRepo
	runs         models.RunRepo
	steps        models.RunStepRepo
	history      models.HistoryRepo
	bus          *eventbus.Bus
	bundles      *bundles.Registry
	signer       *bundles.Signer
}

type createRunRequest struct {
	Parameters   map[string]any `json:"parameters"`
	Context      map[string]any `json:"context"`
	PartitionKey *string        `json:"partitionKey"`
	RunKey       *string        `json:"runKey"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if h.bus != nil {
		status["eventsDegraded"] = h.bus.Degraded()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, core.ValidationErr("invalid request body: %v", err))
			return
		}
	}

	def, err := h.defs.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := h.orchestrator.CreateRun(r.Context(), def, orchestrator.CreateRunInput{
		Parameters:   req.Parameters,
		Context:      req.Context,
		TriggeredBy:  core.TriggeredByManual,
		PartitionKey: req.PartitionKey,
		RunKey:       req.RunKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// Execution is detached so the request returns as soon as the run is
	// durably pending.
	startCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.orchestrator.StartRun(startCtx, run.ID); err != nil {
			logger.Error(startCtx, "Failed to start run", "runId", run.ID, "err", err)
		}
	}()

	writeJSON(w, http.StatusCreated, run)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.steps.ListByRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (h *handlers) getRunHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.history.ListByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, core.ValidationErr("invalid request body: %v", err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled by operator"
	}
	if err := h.orchestrator.CancelRun(r.Context(), chi.URLParam(r, "runID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// downloadBundle streams a bundle artifact after verifying the signed
// download token from the query string. Expired or forged tokens are a 400.
func (h *handlers) downloadBundle(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	version := chi.URLParam(r, "version")

	if err := h.signer.Verify(slug, version, r.URL.Query().Get("token"), time.Now()); err != nil {
		writeError(w, err)
		return
	}

	resolved, err := h.bundles.Resolve(r.Context(), &core.BundleBinding{
		Strategy: core.BundlePinned,
		Slug:     slug,
		Version:  version,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	rc, err := h.bundles.Open(r.Context(), resolved)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := resolved.ArtifactContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%s.tgz", slug, version)))
	if resolved.ArtifactSize != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*resolved.ArtifactSize, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindConflict:
		status = http.StatusConflict
	}

	envelope := map[string]any{
		"kind":    string(core.KindOf(err)),
		"message": err.Error(),
	}
	var engineErr *core.Error
	if errors.As(err, &engineErr) && len(engineErr.Detail) > 0 {
		envelope["detail"] = engineErr.Detail
	}
	writeJSON(w, status, map[string]any{"error": envelope})
}
