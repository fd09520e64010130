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

package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/internal/tracing"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

// PipelineExecutor runs every stage of a definition once, fail-fast.
type PipelineExecutor struct {
	store  RunStore
	stages *StageExecutor
	opts   options
	logger *slog.Logger
}

// NewPipelineExecutor creates a pipeline executor.
func NewPipelineExecutor(store RunStore, stages *StageExecutor, opts ...Option) *PipelineExecutor {
	o := buildOptions(opts)
	return &PipelineExecutor{
		store:  store,
		stages: stages,
		opts:   o,
		logger: log.WithComponent(o.logger, "pipeline-executor"),
	}
}

// Execute performs one execution pass of def for the run, which must be
// RUNNING. Stages run in definition order. A stage whose condition is
// false is recorded as skipped. The first failed stage moves the run to
// FAILED with a failure snapshot; when every stage passes the run moves
// to SUCCEEDED. If stopped is closed between stages the run moves to
// CANCELLED.
//
// Task failures are not errors. The returned error is non-nil only when
// the store rejects an update.
func (p *PipelineExecutor) Execute(ctx context.Context, runID string, def *pipeline.Definition, stopped <-chan struct{}) (*run.Run, error) {
	current, err := p.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if current.State != run.StateRunning {
		return current, &errors.StateTransitionError{
			RunID:    runID,
			From:     string(current.State),
			To:       string(run.StateRunning),
			Terminal: current.State.IsTerminal(),
		}
	}

	rc := &RunContext{
		RunID:    runID,
		Pipeline: def.Name,
		Attempt:  current.Attempt,
		Stopped:  stopped,
	}
	logger := log.WithRunContext(p.logger, runID, def.Name).With(slog.Int(log.AttemptKey, rc.Attempt))

	ctx, span := tracing.StartRun(ctx, p.opts.tracer, runID, def.Name, rc.Attempt)
	defer span.End()

	if timeout := p.opts.timeout(def.Name); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Debug("executing pipeline", slog.Int("stages", len(def.Stages)))

	for i := range def.Stages {
		stage := &def.Stages[i]

		if rc.Cancelled() {
			span.SetOutcome("cancelled", "")
			return p.update(ctx, runID, func(r *run.Run) error {
				return r.Transition(run.StateCancelled, p.opts.now(), fmt.Sprintf("cancelled before stage %s", stage.Name))
			})
		}

		if stage.Condition != "" {
			r, err := p.store.Get(runID)
			if err != nil {
				return nil, err
			}
			ok, err := p.opts.evaluator.Evaluate(stage.Condition, r.ConditionEnv())
			if err != nil {
				res := p.conditionFailure(stage, rc, err)
				span.SetOutcome(string(run.OutcomeFailure), res.Error)
				return p.fail(ctx, rc, res, nil)
			}
			if !ok {
				logger.Debug("stage skipped", slog.String(log.StageKey, stage.Name), slog.String("condition", stage.Condition))
				if _, err := p.record(ctx, rc, p.skipped(stage, rc)); err != nil {
					return nil, err
				}
				continue
			}
		}

		res := p.stages.Run(ctx, stage, rc)

		switch {
		case res.Outcome == run.OutcomeFailure:
			failed, _ := res.FailedTask()
			span.SetOutcome(string(run.OutcomeFailure), res.Error)
			return p.fail(ctx, rc, res, failed)

		case res.Cancelled:
			span.SetOutcome("cancelled", "")
			return p.update(ctx, runID, func(r *run.Run) error {
				r.RecordStage(res)
				return r.Transition(run.StateCancelled, p.opts.now(), fmt.Sprintf("cancelled during stage %s", stage.Name))
			})
		}

		if _, err := p.record(ctx, rc, res); err != nil {
			return nil, err
		}
	}

	span.SetOutcome(string(run.OutcomeSuccess), "")
	return p.update(ctx, runID, func(r *run.Run) error {
		r.Error = ""
		return r.Transition(run.StateSucceeded, p.opts.now(), "all stages passed")
	})
}

// fail records the failed stage, captures the failure snapshot and moves
// the run to FAILED.
func (p *PipelineExecutor) fail(ctx context.Context, rc *RunContext, res run.StageResult, task *run.TaskResult) (*run.Run, error) {
	now := p.opts.now()
	return p.update(ctx, rc.RunID, func(r *run.Run) error {
		r.RecordStage(res)

		snap := run.FailureSnapshot{
			RunID:      r.ID,
			Pipeline:   r.Pipeline,
			Version:    r.Version,
			Stage:      res.Stage,
			Attempt:    r.Attempt,
			Error:      res.Error,
			Context:    run.CopyContext(r.Context),
			CapturedAt: now,
		}
		if task != nil {
			snap.Task = task.Task
			snap.Action = task.Action
			snap.Error = task.Error
			snap.Logs = task.Logs
		}
		r.Failure = &snap
		r.Error = res.Error
		return r.Transition(run.StateFailed, now, fmt.Sprintf("stage %s failed", res.Stage))
	})
}

func (p *PipelineExecutor) record(ctx context.Context, rc *RunContext, res run.StageResult) (*run.Run, error) {
	return p.update(ctx, rc.RunID, func(r *run.Run) error {
		r.RecordStage(res)
		return nil
	})
}

func (p *PipelineExecutor) update(ctx context.Context, runID string, fn func(*run.Run) error) (*run.Run, error) {
	return p.store.Update(context.WithoutCancel(ctx), runID, fn)
}

func (p *PipelineExecutor) skipped(stage *pipeline.Stage, rc *RunContext) run.StageResult {
	now := p.opts.now()
	res := run.StageResult{
		Stage:       stage.Name,
		Attempt:     rc.Attempt,
		Outcome:     run.OutcomeSkipped,
		StartedAt:   now,
		CompletedAt: now,
	}
	p.emit(rc, res)
	return res
}

func (p *PipelineExecutor) conditionFailure(stage *pipeline.Stage, rc *RunContext, err error) run.StageResult {
	now := p.opts.now()
	res := run.StageResult{
		Stage:       stage.Name,
		Attempt:     rc.Attempt,
		Outcome:     run.OutcomeFailure,
		Error:       fmt.Sprintf("evaluating condition: %v", err),
		StartedAt:   now,
		CompletedAt: now,
	}
	p.emit(rc, res)
	return res
}

func (p *PipelineExecutor) emit(rc *RunContext, res run.StageResult) {
	p.opts.observer.OnResult(observer.ResultEvent{
		RunID:     rc.RunID,
		Pipeline:  rc.Pipeline,
		Stage:     res.Stage,
		Attempt:   rc.Attempt,
		Outcome:   res.Outcome,
		Error:     res.Error,
		Timestamp: res.CompletedAt,
	})
}
