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

package controller

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/autofix/internal/config"
	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/recovery"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/controller/scheduler"
	"github.com/tombee/autofix/pkg/errors"
)

const buildPipeline = `name: build
stages:
  - name: checkout
    tasks:
      - name: checkout
        action: noop
  - name: install
    tasks:
      - name: install
        action: flaky
  - name: compile
    tasks:
      - name: compile
        action: noop
`

const slowPipeline = `name: slow
stages:
  - name: wait
    tasks:
      - name: wait
        action: block
  - name: after
    tasks:
      - name: after
        action: noop
`

type harness struct {
	c       *Controller
	cfg     *config.Config
	failing atomic.Int32
	fixes   atomic.Int32
	release chan struct{}
	blocked chan struct{}
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(buildPipeline), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slow.yml"), []byte(slowPipeline), 0o644))

	cfg := config.Default()
	cfg.Pipelines.Dir = dir
	cfg.Store.Backend.Type = "memory"
	cfg.Alerts.Enabled = false
	cfg.Orchestrator.TickInterval = 10 * time.Millisecond
	cfg.Orchestrator.DrainTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		cfg:     cfg,
		release: make(chan struct{}),
		blocked: make(chan struct{}, 1),
	}

	flaky := capability.HandlerFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if h.failing.Load() > 0 {
			h.failing.Add(-1)
			return nil, &errors.TaskExecutionError{Task: req.Task, Action: req.Action, Reason: "npm ERR! missing dependency"}
		}
		return &capability.Result{Output: "ok"}, nil
	})
	block := capability.HandlerFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		select {
		case h.blocked <- struct{}{}:
		default:
		}
		select {
		case <-h.release:
			return &capability.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	c, err := New(cfg, Options{
		Version:    "test",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
		Actions:    map[string]capability.Handler{"flaky": flaky, "block": block},
		Fixer: recovery.FixerFunc(func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
			h.fixes.Add(1)
			return &run.FixPayload{Summary: "add missing dependency to " + snap.Task}, nil
		}),
		Applier: recovery.ApplierFunc(func(ctx context.Context, p *run.FixPayload) (*recovery.ApplyResult, error) {
			return &recovery.ApplyResult{Applied: true, Details: p.Summary}, nil
		}),
	})
	require.NoError(t, err)
	h.c = c

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background()))
}

func (h *harness) wait(t *testing.T, id string) *run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.c.WaitForRun(ctx, id)
	require.NoError(t, err)
	return r
}

func TestController_LoadsCatalog(t *testing.T) {
	h := newHarness(t, nil)

	defs := h.c.Pipelines()
	require.Len(t, defs, 2)
	assert.Equal(t, "build", defs[0].Name)
	assert.Equal(t, "slow", defs[1].Name)
	assert.True(t, h.c.PipelineEnabled("build"))
}

func TestController_TriggerUnknownPipeline(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.c.TriggerPipeline(context.Background(), "missing", nil, "cli")
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pipeline", cfgErr.Key)
	assert.Zero(t, h.c.store.Count())
}

func TestController_TriggerDisabledPipeline(t *testing.T) {
	disabled := false
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Pipelines.Settings = map[string]config.PipelineSettings{"build": {Enabled: &disabled}}
	})

	_, err := h.c.TriggerPipeline(context.Background(), "build", nil, "cli")
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.NotEqual(t, "pipeline", cfgErr.Key)
	assert.False(t, h.c.PipelineEnabled("build"))
}

func TestController_Succeeds(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "build", map[string]any{"branch": "main"}, "cli")
	require.NoError(t, err)

	r := h.wait(t, id)
	assert.Equal(t, run.StateSucceeded, r.State)
	assert.Equal(t, 0, r.Attempt)
	assert.Len(t, r.Stages, 3)
	assert.Equal(t, "cli", r.Trigger)
	assert.Zero(t, h.fixes.Load())

	state, err := h.c.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, run.StateSucceeded, state)
}

func TestController_GetStateAfterEviction(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Orchestrator.AutoFixEnabled = false
	})
	h.failing.Store(1)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "build", nil, "cli")
	require.NoError(t, err)
	r := h.wait(t, id)
	require.Equal(t, run.StateEscalated, r.State)

	ctx := context.Background()
	require.Eventually(t, func() bool { return h.c.store.Evict(ctx, 0) == 1 }, time.Second, 10*time.Millisecond)
	_, err = h.c.GetRun(id)
	require.Error(t, err)

	for range 2 {
		state, err := h.c.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run.StateEscalated, state)
	}

	_, err = h.c.GetState(ctx, "missing")
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestController_FixedAfterTwoAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.failing.Store(2)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "build", nil, "api")
	require.NoError(t, err)

	r := h.wait(t, id)
	assert.Equal(t, run.StateSucceeded, r.State)
	assert.Equal(t, 2, r.Attempt)
	require.Len(t, r.FixAttempts, 2)
	assert.Equal(t, "install", r.FixAttempts[0].Snapshot.Stage)
	assert.EqualValues(t, 2, h.fixes.Load())

	summary, attempts, err := h.c.GetSummary(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, run.StateSucceeded, summary.State)
	assert.Len(t, attempts, 2)

	history, err := h.c.GetHistory(context.Background(), "build", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	events := h.c.Transitions(id)
	require.NotEmpty(t, events)
	assert.Equal(t, run.StateSucceeded, events[len(events)-1].To)
}

func TestController_AutoFixDisabledEscalates(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Orchestrator.AutoFixEnabled = false
	})
	h.failing.Store(1)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "build", nil, "cli")
	require.NoError(t, err)

	r := h.wait(t, id)
	assert.Equal(t, run.StateEscalated, r.State)
	assert.Empty(t, r.FixAttempts)
	require.NotNil(t, r.Failure)
	assert.Equal(t, "install", r.Failure.Task)
	assert.Zero(t, h.fixes.Load())
}

func TestController_CancelBetweenStages(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "slow", nil, "cli")
	require.NoError(t, err)

	select {
	case <-h.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("first stage never started")
	}

	require.NoError(t, h.c.Cancel(context.Background(), id))
	close(h.release)

	r := h.wait(t, id)
	assert.Equal(t, run.StateCancelled, r.State)
	assert.Len(t, r.Stages, 1)

	// terminal runs cannot be cancelled again
	var transition *errors.StateTransitionError
	require.ErrorAs(t, h.c.Cancel(context.Background(), id), &transition)
	assert.True(t, transition.Terminal)
}

func TestController_ShutdownDrains(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	id, err := h.c.TriggerPipeline(context.Background(), "slow", nil, "cli")
	require.NoError(t, err)
	<-h.blocked

	done := make(chan error, 1)
	go func() { done <- h.c.Shutdown(context.Background()) }()

	require.Eventually(t, h.c.IsDraining, time.Second, 10*time.Millisecond)
	_, err = h.c.TriggerPipeline(context.Background(), "build", nil, "cli")
	assert.ErrorIs(t, err, scheduler.ErrDraining)

	close(h.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	r, err := h.c.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, run.StateSucceeded, r.State)
}

func TestController_ShutdownDrainsAfterStartContextCancelled(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxParallelPipelines = 1
	})
	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, h.c.Start(startCtx))

	slow, err := h.c.TriggerPipeline(context.Background(), "slow", nil, "cli")
	require.NoError(t, err)
	<-h.blocked

	queued, err := h.c.TriggerPipeline(context.Background(), "build", nil, "cli")
	require.NoError(t, err)

	// a signal context ending must not reach executing or queued runs
	cancelStart()

	done := make(chan error, 1)
	go func() { done <- h.c.Shutdown(context.Background()) }()
	require.Eventually(t, h.c.IsDraining, time.Second, 10*time.Millisecond)

	close(h.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	r, err := h.c.GetRun(slow)
	require.NoError(t, err)
	assert.Equal(t, run.StateSucceeded, r.State)
	assert.Zero(t, r.Attempt)
	assert.Zero(t, h.fixes.Load())

	r, err = h.c.GetRun(queued)
	require.NoError(t, err)
	assert.Equal(t, run.StateSucceeded, r.State)
}

func TestController_Health(t *testing.T) {
	h := newHarness(t, nil)
	report := h.c.Health(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Contains(t, report.Components, "scheduler")
	assert.Contains(t, report.Components, "store")
	assert.Contains(t, report.Components, "catalog")
	assert.Contains(t, report.Components, "fixer")
}

func TestController_Serve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(`name: build
stages:
  - name: only
    tasks:
      - name: only
        action: noop
`), 0o644))

	cfg := config.Default()
	cfg.Pipelines.Dir = dir
	cfg.Alerts.Enabled = false
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Orchestrator.TickInterval = 10 * time.Millisecond

	c, err := New(cfg, Options{
		Version:    "test",
		Serve:      true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	base := "http://" + c.Addr()

	resp, err := http.Post(base+"/v1/pipelines/build/runs", "application/json", nil)
	require.NoError(t, err)
	var trig struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trig))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	r := func() *run.Run {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := c.WaitForRun(ctx, trig.RunID)
		require.NoError(t, err)
		return r
	}()
	assert.Equal(t, run.StateSucceeded, r.State)

	resp, err = http.Get(base + "/v1/runs/" + trig.RunID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
