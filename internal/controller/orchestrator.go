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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/autofix/internal/controller/health"
	"github.com/tombee/autofix/internal/controller/metrics"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/controller/scheduler"
	internallog "github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

// TriggerPipeline queues a run of the named pipeline and returns its id.
// An unknown or disabled pipeline returns *errors.ConfigError before any
// run exists. Once draining has started it returns scheduler.ErrDraining.
func (c *Controller) TriggerPipeline(ctx context.Context, name string, inputs map[string]any, source string) (string, error) {
	def, err := c.catalog.Get(name)
	if err != nil {
		return "", &errors.ConfigError{
			Key:    "pipeline",
			Reason: fmt.Sprintf("unknown pipeline %q", name),
			Cause:  err,
		}
	}
	if !c.cfg.Pipelines.IsEnabled(name) {
		return "", &errors.ConfigError{
			Key:    "pipelines.settings." + name + ".enabled",
			Reason: fmt.Sprintf("pipeline %q is disabled", name),
		}
	}
	if source == "" {
		source = "api"
	}

	id, err := c.scheduler.Submit(ctx, scheduler.Trigger{
		Pipeline: def.Name,
		Version:  def.Version,
		Source:   source,
		Inputs:   inputs,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("pipeline triggered",
		slog.String(internallog.RunIDKey, id),
		slog.String(internallog.PipelineKey, def.Name),
		slog.String("source", source))
	return id, nil
}

// GetState returns the state of a run. Runs evicted from memory report the
// state of their persisted summary.
func (c *Controller) GetState(ctx context.Context, id string) (run.State, error) {
	if r, err := c.store.Get(id); err == nil {
		return r.State, nil
	}
	sum, err := c.store.Summary(ctx, id)
	if err != nil {
		return "", err
	}
	return sum.State, nil
}

// GetRun returns a snapshot of a live run.
func (c *Controller) GetRun(id string) (*run.Run, error) {
	return c.store.Get(id)
}

// GetSummary returns the summary and fix attempts of a live or evicted run.
func (c *Controller) GetSummary(ctx context.Context, id string) (*run.Summary, []run.FixAttempt, error) {
	summary, err := c.store.Summary(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := c.store.FixAttempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return summary, attempts, nil
}

// GetHistory returns the most recent runs of a pipeline, newest first.
func (c *Controller) GetHistory(ctx context.Context, name string, limit int) ([]run.Summary, error) {
	return c.store.History(ctx, name, limit)
}

// Cancel requests cancellation of a queued or executing run.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	return c.scheduler.Cancel(ctx, id)
}

// Pipelines returns the loaded definitions sorted by name.
func (c *Controller) Pipelines() []*pipeline.Definition {
	return c.catalog.Definitions()
}

// PipelineEnabled reports whether runs of the pipeline may be triggered.
func (c *Controller) PipelineEnabled(name string) bool {
	return c.cfg.Pipelines.IsEnabled(name)
}

// AddDefinition validates def and makes it available to TriggerPipeline.
func (c *Controller) AddDefinition(def *pipeline.Definition) error {
	return c.catalog.Add(def)
}

// Health runs the registered component checks.
func (c *Controller) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// IsDraining reports whether the controller has stopped accepting runs.
func (c *Controller) IsDraining() bool {
	return c.scheduler.IsDraining()
}

// Transitions returns the recorded transition events of a run, oldest
// first. Only recent runs are kept.
func (c *Controller) Transitions(id string) []observer.TransitionEvent {
	return c.recorder.Transitions(id)
}

// WaitForRun polls until the run reaches a terminal state or ctx is done.
func (c *Controller) WaitForRun(ctx context.Context, id string) (*run.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		r, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		if r.State.IsTerminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-ticker.C:
		}
	}
}

// work drives an admitted run: the pipeline executor first, then the
// recovery loop when the run failed.
func (c *Controller) work(ctx context.Context, runID string, stopped <-chan struct{}) {
	r, err := c.store.Get(runID)
	if err != nil {
		c.logger.Error("admitted run not found", slog.String(internallog.RunIDKey, runID), internallog.Error(err))
		return
	}
	logger := internallog.WithRunContext(c.logger, runID, r.Pipeline)

	def, err := c.catalog.Get(r.Pipeline)
	if err != nil {
		c.abandon(ctx, runID, logger, fmt.Sprintf("pipeline %q is no longer defined", r.Pipeline))
		return
	}

	r, err = c.pipelines.Execute(ctx, runID, def, stopped)
	if err != nil {
		c.reportStoreError(logger, err)
		return
	}

	if r.State == run.StateFailed {
		r, err = c.recovery.Recover(ctx, runID, def, stopped)
		if err != nil {
			c.reportStoreError(logger, err)
			return
		}
	}

	logger.Debug("run finished",
		slog.String(internallog.StateKey, string(r.State)),
		slog.Int(internallog.AttemptKey, r.Attempt))
}

// abandon ends a run that cannot execute. It fails and then escalates so
// that an operator sees it.
func (c *Controller) abandon(ctx context.Context, runID string, logger *slog.Logger, reason string) {
	logger.Error("cannot execute run", slog.String("reason", reason))
	_, err := c.store.Update(context.WithoutCancel(ctx), runID, func(r *run.Run) error {
		now := time.Now()
		r.Error = reason
		if err := r.Transition(run.StateFailed, now, reason); err != nil {
			return err
		}
		return r.Transition(run.StateEscalated, now, reason)
	})
	if err != nil {
		c.reportStoreError(logger, err)
	}
}

// reportStoreError fails loudly on an illegal transition: it is a bug, not
// a run outcome.
func (c *Controller) reportStoreError(logger *slog.Logger, err error) {
	var transition *errors.StateTransitionError
	if errors.As(err, &transition) {
		metrics.RecordTransitionError(transition.From, transition.To)
		logger.Error("illegal state transition",
			slog.String("from", transition.From),
			slog.String("to", transition.To),
			internallog.Error(err))
		return
	}
	logger.Error("run update failed", internallog.Error(err))
}
