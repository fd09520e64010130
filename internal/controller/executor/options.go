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

// Package executor runs the stages of a pipeline against a run held in the
// run store.
//
// The StageExecutor dispatches the tasks of one stage, sequentially or in
// parallel, and records each task result in the run context as it
// completes. The PipelineExecutor walks the stages of a definition in
// order, evaluates stage conditions, and moves the run to SUCCEEDED,
// FAILED or CANCELLED. Task failures never surface as Go errors: they are
// run data. Only store errors, such as an illegal state transition, are
// returned.
package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/pkg/pipeline/expression"
)

// RunStore is the part of the run store the executors use.
type RunStore interface {
	Get(id string) (*run.Run, error)
	Update(ctx context.Context, id string, fn func(*run.Run) error) (*run.Run, error)
}

// TaskRunner executes task actions. *capability.Registry implements it.
type TaskRunner interface {
	Execute(ctx context.Context, req capability.Request) (*capability.Result, error)
}

// RunContext identifies the run a stage belongs to and carries its
// cooperative stop signal.
type RunContext struct {
	RunID    string
	Pipeline string
	Attempt  int

	// Stopped is closed when cancellation has been requested. A nil
	// channel never fires.
	Stopped <-chan struct{}
}

// Cancelled reports whether cancellation has been requested.
func (rc *RunContext) Cancelled() bool {
	if rc == nil || rc.Stopped == nil {
		return false
	}
	select {
	case <-rc.Stopped:
		return true
	default:
		return false
	}
}

type options struct {
	observer  observer.Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	evaluator *expression.Evaluator
	timeout   func(pipeline string) time.Duration
	now       func() time.Time
}

// Option configures an executor.
type Option func(*options)

// WithObserver sets the observer that receives task and stage results.
func WithObserver(o observer.Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithTracer sets the tracer used for run, stage and task spans.
func WithTracer(t trace.Tracer) Option {
	return func(opts *options) { opts.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// WithEvaluator sets the stage condition evaluator.
func WithEvaluator(e *expression.Evaluator) Option {
	return func(opts *options) { opts.evaluator = e }
}

// WithPipelineTimeout bounds each execution pass of a pipeline. fn returns
// zero for no limit.
func WithPipelineTimeout(fn func(pipeline string) time.Duration) Option {
	return func(opts *options) { opts.timeout = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		observer: observer.Nop{},
		tracer:   noop.NewTracerProvider().Tracer("autofix"),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.evaluator == nil {
		o.evaluator = expression.New()
	}
	if o.timeout == nil {
		o.timeout = func(string) time.Duration { return 0 }
	}
	return o
}
