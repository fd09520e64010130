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

// Package recovery drives failed runs through bounded automated fixing.
//
// A run that ends an execution pass in FAILED is handed to Loop.Recover.
// Each iteration asks the Fixer for a fix, applies it through the Applier
// and re-runs the whole pipeline. The loop ends when the run succeeds, is
// cancelled, or escalates because automation is disabled, exhausted or
// broken. Fixer and applier failures are recorded on the run as fix
// attempts, never returned.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/internal/tracing"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

// DefaultFixTimeout bounds ProposeFix when Config.FixTimeout is zero.
const DefaultFixTimeout = 60 * time.Second

// RunStore is the part of the run store the loop uses.
type RunStore interface {
	Get(id string) (*run.Run, error)
	Update(ctx context.Context, id string, fn func(*run.Run) error) (*run.Run, error)
}

// PipelineExecutor re-runs a pipeline after a fix has been applied.
type PipelineExecutor interface {
	Execute(ctx context.Context, runID string, def *pipeline.Definition, stopped <-chan struct{}) (*run.Run, error)
}

// Config is the global recovery policy. Pipelines and stages may narrow it
// through their failure policies.
type Config struct {
	AutoFix    bool
	MaxRetries int
	FixTimeout time.Duration
}

// Loop is the failure-recovery loop.
type Loop struct {
	store    RunStore
	executor PipelineExecutor
	fixer    Fixer
	applier  Applier
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithFixer sets the fixer. Without one every failure escalates.
func WithFixer(f Fixer) Option {
	return func(l *Loop) { l.fixer = f }
}

// WithApplier sets the applier. Without one every failure escalates.
func WithApplier(a Applier) Option {
	return func(l *Loop) { l.applier = a }
}

// WithTracer sets the tracer for fix attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a recovery loop.
func New(store RunStore, executor PipelineExecutor, cfg Config, opts ...Option) *Loop {
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = DefaultFixTimeout
	}
	l := &Loop{
		store:    store,
		executor: executor,
		cfg:      cfg,
		tracer:   noop.NewTracerProvider().Tracer("autofix"),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = log.WithComponent(l.logger, "recovery")
	return l
}

// Recover runs the recovery loop for a run. A run that is not FAILED is
// returned unchanged. Otherwise the run is fixed and re-executed until it
// leaves FAILED for good: SUCCEEDED, CANCELLED or ESCALATED.
//
// The returned error is non-nil only when the store rejects an update.
func (l *Loop) Recover(ctx context.Context, runID string, def *pipeline.Definition, stopped <-chan struct{}) (*run.Run, error) {
	for {
		r, err := l.store.Get(runID)
		if err != nil {
			return nil, err
		}
		if r.State != run.StateFailed {
			return r, nil
		}

		logger := log.WithRunContext(l.logger, runID, r.Pipeline)

		if reason := l.escalationReason(r, def, stopped); reason != "" {
			logger.Info("escalating run", slog.String("reason", reason), slog.Int(log.AttemptKey, r.Attempt))
			return l.store.Update(ctx, runID, func(r *run.Run) error {
				return r.Transition(run.StateEscalated, l.now(), reason)
			})
		}

		r, err = l.store.Update(ctx, runID, func(r *run.Run) error {
			if err := r.Transition(run.StateFixing, l.now(), fmt.Sprintf("fix attempt %d", r.Attempt+1)); err != nil {
				return err
			}
			r.Attempt++
			return nil
		})
		if err != nil {
			return nil, err
		}

		attempt, ok := l.attemptFix(ctx, r, logger)
		if !ok {
			return l.store.Update(ctx, runID, func(r *run.Run) error {
				r.FixAttempts = append(r.FixAttempts, attempt)
				r.Error = attempt.Error
				return r.Transition(run.StateEscalated, l.now(), attempt.Error)
			})
		}

		if _, err := l.store.Update(ctx, runID, func(r *run.Run) error {
			r.FixAttempts = append(r.FixAttempts, attempt)
			return r.Transition(run.StateRunning, l.now(), fmt.Sprintf("re-running after fix attempt %d", attempt.Number))
		}); err != nil {
			return nil, err
		}

		logger.Info("fix applied, re-running pipeline", slog.Int(log.AttemptKey, attempt.Number))
		if _, err := l.executor.Execute(ctx, runID, def, stopped); err != nil {
			return nil, err
		}
	}
}

// escalationReason returns why a failed run must escalate instead of
// being fixed, or "" when a fix attempt is allowed.
func (l *Loop) escalationReason(r *run.Run, def *pipeline.Definition, stopped <-chan struct{}) string {
	stage := ""
	if r.Failure != nil {
		stage = r.Failure.Stage
	}
	policy := def.EffectivePolicy(stage, pipeline.Policy{AutoFix: l.cfg.AutoFix, MaxRetries: l.cfg.MaxRetries})

	switch {
	case !policy.AutoFix:
		return "auto-fix disabled"
	case l.fixer == nil || l.applier == nil:
		return "no fixer configured"
	case isClosed(stopped):
		return "cancellation requested"
	case r.Failure == nil:
		return "no failure snapshot"
	case r.Attempt >= policy.MaxRetries:
		return fmt.Sprintf("fix retries exhausted (%d of %d)", r.Attempt, policy.MaxRetries)
	}
	return ""
}

// attemptFix proposes and applies one fix. ok is false when either step
// failed; the attempt then carries the error.
func (l *Loop) attemptFix(ctx context.Context, r *run.Run, logger *slog.Logger) (run.FixAttempt, bool) {
	ctx, span := tracing.StartFix(ctx, l.tracer, r.ID, r.Attempt)
	defer span.End()

	snap := *r.Failure
	snap.Attempt = r.Attempt
	attempt := run.FixAttempt{
		RunID:     r.ID,
		Number:    r.Attempt,
		Snapshot:  snap,
		StartedAt: l.now(),
	}

	payload, err := l.propose(ctx, snap)
	if err != nil {
		logger.Warn("fixer failed", slog.Int(log.AttemptKey, r.Attempt), log.Error(err))
		span.RecordError(err)
		attempt.Error = err.Error()
		attempt.CompletedAt = l.now()
		return attempt, false
	}
	attempt.Payload = payload

	res, err := l.applier.Apply(ctx, payload)
	if err == nil && (res == nil || !res.Applied) {
		details := ""
		if res != nil {
			details = res.Details
		}
		err = &errors.ApplyError{Reason: "fix was not applied", Details: details}
	}
	if res != nil {
		attempt.ApplyDetails = res.Details
	}
	if err != nil {
		var applyErr *errors.ApplyError
		if !errors.As(err, &applyErr) {
			err = &errors.ApplyError{Reason: "applier failed", Cause: err}
		}
		logger.Warn("fix could not be applied", slog.Int(log.AttemptKey, r.Attempt), log.Error(err))
		span.RecordError(err)
		attempt.Error = err.Error()
		attempt.CompletedAt = l.now()
		return attempt, false
	}

	attempt.Applied = true
	attempt.CompletedAt = l.now()
	span.SetOutcome("applied", "")
	return attempt, true
}

// propose calls the fixer under the fix timeout. A fixer that ignores its
// context is abandoned when the deadline passes.
func (l *Loop) propose(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.FixTimeout)
	defer cancel()

	type result struct {
		payload *run.FixPayload
		err     error
	}
	done := make(chan result, 1)
	started := l.now()
	go func() {
		p, err := l.fixer.ProposeFix(fctx, snap)
		done <- result{p, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-fctx.Done():
		res = result{err: fctx.Err()}
	}

	if fctx.Err() == context.DeadlineExceeded {
		return nil, &errors.FixerError{
			Reason: "timeout",
			Cause:  &errors.TimeoutError{Operation: "propose fix", Duration: l.cfg.FixTimeout, Cause: res.err},
		}
	}
	if res.err != nil {
		var fixerErr *errors.FixerError
		if errors.As(res.err, &fixerErr) {
			return nil, res.err
		}
		return nil, &errors.FixerError{Reason: "propose fix", Cause: res.err}
	}
	if res.payload == nil {
		return nil, &errors.FixerError{Reason: "fixer returned no fix"}
	}
	l.logger.Debug("fix proposed", slog.String(log.RunIDKey, snap.RunID), log.Duration("propose", l.now().Sub(started)))
	return res.payload, nil
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
