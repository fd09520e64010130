// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/tombee/autofix/internal/controller/health"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/controller/scheduler"
	"github.com/tombee/autofix/pkg/errors"
)

// PipelineResponse describes a registered pipeline.
type PipelineResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
	Source      string   `json:"source,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// TriggerRequest is the body of POST /v1/pipelines/{name}/runs.
type TriggerRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// TriggerResponse is returned when a run is queued.
type TriggerResponse struct {
	RunID    string    `json:"run_id"`
	Pipeline string    `json:"pipeline"`
	State    run.State `json:"state"`
}

// RunResponse is returned by GET /v1/runs/{id}. Live runs carry the full
// record; runs already evicted from memory carry their persisted summary.
type RunResponse struct {
	Run         *run.Run         `json:"run,omitempty"`
	Summary     *run.Summary     `json:"summary,omitempty"`
	FixAttempts []run.FixAttempt `json:"fix_attempts,omitempty"`
	Evicted     bool             `json:"evicted,omitempty"`
}

// HistoryResponse is returned by GET /v1/pipelines/{name}/history.
type HistoryResponse struct {
	Pipeline string        `json:"pipeline"`
	Runs     []run.Summary `json:"runs"`

	// SuccessRate is the percentage of finished runs in Runs that
	// succeeded.
	SuccessRate float64 `json:"success_rate"`
	Finished    int     `json:"finished"`
}

// HealthResponse is the response format for /v1/health.
type HealthResponse struct {
	health.Report
	Uptime   string `json:"uptime"`
	Draining bool   `json:"draining"`
}

// VersionResponse is the response format for /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func (r *Router) handleListPipelines(w http.ResponseWriter, req *http.Request) {
	defs := r.orch.Pipelines()
	out := make([]PipelineResponse, 0, len(defs))
	for _, def := range defs {
		stages := make([]string, len(def.Stages))
		for i, s := range def.Stages {
			stages[i] = s.Name
		}
		out = append(out, PipelineResponse{
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
			Stages:      stages,
			Source:      def.Source,
			Enabled:     r.orch.PipelineEnabled(def.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	var body TriggerRequest
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	runID, err := r.orch.TriggerPipeline(req.Context(), name, body.Inputs, "api")
	if err != nil {
		r.writeErr(w, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+runID)
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: runID, Pipeline: name, State: run.StatePending})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	rn, err := r.orch.GetRun(id)
	if err == nil {
		writeJSON(w, http.StatusOK, RunResponse{Run: rn})
		return
	}

	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		r.writeErr(w, err)
		return
	}

	summary, attempts, err := r.orch.GetSummary(req.Context(), id)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Summary: summary, FixAttempts: attempts, Evicted: true})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := r.orch.GetHistory(req.Context(), name, limit)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []run.Summary{}
	}
	rate, finished := run.SuccessRate(runs)
	writeJSON(w, http.StatusOK, HistoryResponse{Pipeline: name, Runs: runs, SuccessRate: rate, Finished: finished})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.orch.Cancel(req.Context(), id); err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested", "run_id": id})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	report := r.orch.Health(req.Context())
	resp := HealthResponse{
		Report:   report,
		Uptime:   time.Since(r.startTime).Round(time.Second).String(),
		Draining: r.orch.IsDraining(),
	}

	status := http.StatusOK
	if resp.Draining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   r.config.Version,
		Commit:    r.config.Commit,
		BuildDate: r.config.BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	})
}

// writeErr maps orchestrator errors to HTTP statuses.
func (r *Router) writeErr(w http.ResponseWriter, err error) {
	var (
		notFound   *errors.NotFoundError
		cfgErr     *errors.ConfigError
		validation *errors.ValidationError
		transition *errors.StateTransitionError
	)

	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, scheduler.ErrDraining):
		w.Header().Set("Retry-After", "10")
		status = http.StatusServiceUnavailable
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
		if cfgErr.Key == "pipeline" {
			status = http.StatusNotFound
		}
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &transition):
		status = http.StatusConflict
	}

	if status >= 500 {
		r.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Hint: errors.Hint(err)})
}
