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

package management

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/internal/controller/run"
)

// fakeServer serves a live run "live", an evicted run "old" and the
// history of "build".
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Now()
	live := run.New("live", "build", "1", "api", nil, now)
	require.NoError(t, live.Transition(run.StateRunning, now, ""))
	var cancelled atomic.Bool

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "live":
			rec := live.Clone()
			if cancelled.Load() {
				rec.State = run.StateCancelled
			}
			writeJSON(w, http.StatusOK, api.RunResponse{Run: rec})
		case "old":
			writeJSON(w, http.StatusOK, api.RunResponse{
				Summary: &run.Summary{ID: "old", Pipeline: "build", State: run.StateEscalated, Attempt: 3, Error: "still broken"},
				Evicted: true,
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found: " + r.PathValue("id")})
		}
	})
	mux.HandleFunc("POST /v1/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "live":
			cancelled.Store(true)
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		case "old":
			writeJSON(w, http.StatusConflict, map[string]string{"error": "run old is in terminal state ESCALATED"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		}
	})
	mux.HandleFunc("GET /v1/pipelines/build/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, api.HistoryResponse{
			Pipeline: "build",
			Runs: []run.Summary{
				{ID: "r2", Pipeline: "build", State: run.StateSucceeded, CreatedAt: now},
				{ID: "r1", Pipeline: "build", State: run.StateEscalated, FixAttempts: 3, CreatedAt: now.Add(-time.Hour)},
			},
		})
	})

	mux.HandleFunc("GET /v1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pipelines": []api.PipelineResponse{
			{Name: "build", Description: "Compile and test", Stages: []string{"install", "test"}, Enabled: true},
			{Name: "deploy", Stages: []string{"ship"}, Enabled: false},
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, cmd *cobra.Command, jsonOut bool, server string, args ...string) (string, error) {
	t.Helper()
	shared.SetFlagsForTest(jsonOut, "", server)
	t.Cleanup(func() { shared.SetFlagsForTest(false, "", "") })

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *shared.ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	return exitErr.Code
}

func TestStatus_Live(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, NewStatusCommand(), false, srv.URL, "live")
	require.NoError(t, err)
	assert.Contains(t, out, "live")
	assert.Contains(t, out, "RUNNING")
}

func TestStatus_EvictedJSON(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, NewStatusCommand(), true, srv.URL, "old")
	require.NoError(t, err)

	var got struct {
		Command string       `json:"command"`
		Summary *run.Summary `json:"summary"`
		Evicted bool         `json:"evicted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "status", got.Command)
	assert.True(t, got.Evicted)
	require.NotNil(t, got.Summary)
	assert.Equal(t, run.StateEscalated, got.Summary.State)
}

func TestStatus_NotFound(t *testing.T) {
	srv := fakeServer(t)

	_, err := execute(t, NewStatusCommand(), false, srv.URL, "missing")
	assert.Equal(t, shared.ExitServerError, exitCode(t, err))
	assert.Contains(t, err.Error(), "run not found: missing")
}

func TestHistory(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, NewHistoryCommand(), false, srv.URL, "build", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "r2")
	assert.Contains(t, out, "ESCALATED")

	out, err = execute(t, NewHistoryCommand(), true, srv.URL, "build", "-n", "2")
	require.NoError(t, err)
	var got api.HistoryResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Runs, 2)
	assert.Equal(t, "r2", got.Runs[0].ID)
}

func TestCancel(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, NewCancelCommand(), false, srv.URL, "live")
	require.NoError(t, err)
	assert.Contains(t, out, "cancellation requested for live")
	assert.Contains(t, out, "CANCELLED")
}

func TestCancel_Terminal(t *testing.T) {
	srv := fakeServer(t)

	_, err := execute(t, NewCancelCommand(), false, srv.URL, "old")
	assert.Equal(t, shared.ExitRunFailed, exitCode(t, err))
	assert.Contains(t, err.Error(), "terminal state")
}

func TestServerUnreachable(t *testing.T) {
	_, err := execute(t, NewStatusCommand(), false, "http://127.0.0.1:1", "live")
	assert.Equal(t, shared.ExitServerError, exitCode(t, err))
}

func TestPipelines(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, NewPipelinesCommand(), false, srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "install → test")
	assert.Contains(t, out, "(disabled)")

	out, err = execute(t, NewPipelinesCommand(), true, srv.URL)
	require.NoError(t, err)
	var got struct {
		Pipelines []api.PipelineResponse `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Pipelines, 2)
	assert.False(t, got.Pipelines[1].Enabled)
}
