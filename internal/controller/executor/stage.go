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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/internal/tracing"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

// StageExecutor runs the tasks of a single stage.
type StageExecutor struct {
	store  RunStore
	runner TaskRunner
	opts   options
	logger *slog.Logger
}

// NewStageExecutor creates a stage executor.
func NewStageExecutor(store RunStore, runner TaskRunner, opts ...Option) *StageExecutor {
	o := buildOptions(opts)
	return &StageExecutor{
		store:  store,
		runner: runner,
		opts:   o,
		logger: log.WithComponent(o.logger, "stage-executor"),
	}
}

// Run executes stage and returns its result. The result is not recorded
// on the run; the caller owns that.
//
// Sequential stages run tasks in order and stop at the first failure.
// Parallel stages start every task (up to MaxConcurrency at a time), wait
// for all of them and never cancel siblings. Task results are listed in
// completion order. Tasks not started because cancellation was requested
// are recorded as skipped and the result is marked Cancelled.
func (e *StageExecutor) Run(ctx context.Context, stage *pipeline.Stage, rc *RunContext) run.StageResult {
	ctx, span := tracing.StartStage(ctx, e.opts.tracer, stage.Name, stage.Parallel)
	defer span.End()

	result := run.StageResult{
		Stage:     stage.Name,
		Attempt:   rc.Attempt,
		StartedAt: e.opts.now(),
	}

	if stage.Parallel {
		result.Tasks = e.runParallel(ctx, stage, rc)
	} else {
		result.Tasks = e.runSequential(ctx, stage, rc)
	}

	result.CompletedAt = e.opts.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Outcome = run.OutcomeSuccess
	for _, t := range result.Tasks {
		if t.Outcome == run.OutcomeSkipped {
			result.Cancelled = true
		}
	}
	if failed, ok := result.FailedTask(); ok {
		result.Outcome = run.OutcomeFailure
		result.Error = fmt.Sprintf("task %s failed: %s", failed.Task, failed.Error)
	} else if result.Cancelled {
		result.Outcome = run.OutcomeSkipped
	}

	span.SetOutcome(string(result.Outcome), result.Error)
	e.emitStage(rc, result)
	return result
}

func (e *StageExecutor) runSequential(ctx context.Context, stage *pipeline.Stage, rc *RunContext) []run.TaskResult {
	var results []run.TaskResult
	for i := range stage.Tasks {
		task := &stage.Tasks[i]
		if rc.Cancelled() {
			for _, rest := range stage.Tasks[i:] {
				results = append(results, e.skip(ctx, stage.Name, rest, rc))
			}
			break
		}

		res := e.runTask(ctx, stage.Name, task, rc)
		results = append(results, res)
		if res.Outcome == run.OutcomeFailure {
			break
		}
	}
	return results
}

func (e *StageExecutor) runParallel(ctx context.Context, stage *pipeline.Stage, rc *RunContext) []run.TaskResult {
	var (
		mu      sync.Mutex
		results = make([]run.TaskResult, 0, len(stage.Tasks))
	)

	// no errgroup context: a failing task must not cancel its siblings
	var g errgroup.Group
	if stage.MaxConcurrency > 0 {
		g.SetLimit(stage.MaxConcurrency)
	}

	for i := range stage.Tasks {
		task := &stage.Tasks[i]
		g.Go(func() error {
			var res run.TaskResult
			if rc.Cancelled() {
				res = e.skip(ctx, stage.Name, *task, rc)
			} else {
				res = e.runTask(ctx, stage.Name, task, rc)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runTask executes one task and records its result in the run context.
func (e *StageExecutor) runTask(ctx context.Context, stage string, task *pipeline.Task, rc *RunContext) run.TaskResult {
	ctx, span := tracing.StartTask(ctx, e.opts.tracer, task.Name, task.Action)
	defer span.End()

	env := map[string]any{}
	if r, err := e.store.Get(rc.RunID); err == nil {
		env = r.ConditionEnv()
	}

	taskCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	res := run.TaskResult{
		Task:      task.Name,
		Action:    task.Action,
		StartedAt: e.opts.now(),
	}

	out, err := e.runner.Execute(taskCtx, capability.Request{
		RunID:    rc.RunID,
		Pipeline: rc.Pipeline,
		Stage:    stage,
		Task:     task.Name,
		Action:   task.Action,
		Config:   task.Config,
		Context:  env,
	})

	res.CompletedAt = e.opts.now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	if err != nil {
		res.Outcome = run.OutcomeFailure
		res.Error = err.Error()
		var te *errors.TaskExecutionError
		if errors.As(err, &te) {
			res.Logs = te.Logs
		}
		span.RecordError(err)
	} else {
		res.Outcome = run.OutcomeSuccess
		if out != nil {
			res.Output = out.Output
			res.Logs = out.Logs
		}
	}
	span.SetOutcome(string(res.Outcome), res.Error)

	e.record(ctx, stage, res, rc)
	return res
}

// skip records a task that was never started.
func (e *StageExecutor) skip(ctx context.Context, stage string, task pipeline.Task, rc *RunContext) run.TaskResult {
	now := e.opts.now()
	res := run.TaskResult{
		Task:        task.Name,
		Action:      task.Action,
		Outcome:     run.OutcomeSkipped,
		Error:       "cancelled before start",
		StartedAt:   now,
		CompletedAt: now,
	}
	e.record(ctx, stage, res, rc)
	return res
}

func (e *StageExecutor) record(ctx context.Context, stage string, res run.TaskResult, rc *RunContext) {
	_, err := e.store.Update(context.WithoutCancel(ctx), rc.RunID, func(r *run.Run) error {
		r.RecordTask(stage, res)
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record task result",
			slog.String(log.RunIDKey, rc.RunID),
			slog.String(log.StageKey, stage),
			slog.String(log.TaskKey, res.Task),
			log.Error(err))
	}

	e.opts.observer.OnResult(observer.ResultEvent{
		RunID:     rc.RunID,
		Pipeline:  rc.Pipeline,
		Stage:     stage,
		Task:      res.Task,
		Action:    res.Action,
		Attempt:   rc.Attempt,
		Outcome:   res.Outcome,
		Error:     res.Error,
		Duration:  res.Duration,
		Timestamp: res.CompletedAt,
	})
}

func (e *StageExecutor) emitStage(rc *RunContext, res run.StageResult) {
	e.opts.observer.OnResult(observer.ResultEvent{
		RunID:     rc.RunID,
		Pipeline:  rc.Pipeline,
		Stage:     res.Stage,
		Attempt:   rc.Attempt,
		Outcome:   res.Outcome,
		Error:     res.Error,
		Duration:  res.Duration,
		Timestamp: res.CompletedAt,
	})
}
