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

// Package scheduler admits pipeline runs under a global concurrency limit.
//
// Submitted runs are created PENDING and queued. Tick admits queued runs
// in strict FIFO order while fewer than the configured number of runs hold
// a slot. An admitted run moves to RUNNING and its work function runs on a
// tracked goroutine. The slot is held until the work function returns,
// which covers any fix-and-retry cycles, so the number of executing runs
// never exceeds the limit.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/autofix/internal/controller/metrics"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/pkg/errors"
)

// DefaultTickInterval is how often the scheduler loop polls when idle.
const DefaultTickInterval = time.Second

// ErrDraining is returned by Submit once draining has started.
var ErrDraining = errors.New("scheduler is draining: not accepting new runs")

// RunStore is the part of the run store the scheduler uses.
type RunStore interface {
	Create(ctx context.Context, r *run.Run) error
	Get(id string) (*run.Run, error)
	Update(ctx context.Context, id string, fn func(*run.Run) error) (*run.Run, error)
}

// WorkFunc drives an admitted run to a terminal state. stopped is closed
// when cancellation is requested.
type WorkFunc func(ctx context.Context, runID string, stopped <-chan struct{})

// Trigger asks for a run of a pipeline.
type Trigger struct {
	Pipeline string
	Version  string

	// Source names what caused the run (cli, api, webhook).
	Source string

	// Inputs are the trigger overrides exposed to the run.
	Inputs map[string]any
}

// Config configures a Scheduler.
type Config struct {
	// MaxParallel is the number of runs that may hold a slot at once.
	MaxParallel int

	// TickInterval is the idle polling interval of the background loop.
	TickInterval time.Duration

	Logger *slog.Logger

	// NewID generates run ids. Defaults to random UUIDs.
	NewID func() string

	// Now overrides the time source.
	Now func() time.Time
}

// slot is held by an admitted run until its work function returns.
type slot struct {
	stopped    chan struct{}
	cancelOnce sync.Once
}

func (s *slot) cancel() {
	s.cancelOnce.Do(func() { close(s.stopped) })
}

// Scheduler is the concurrency scheduler.
type Scheduler struct {
	store  RunStore
	work   WorkFunc
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queue  []string
	active map[string]*slot

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	draining atomic.Bool
	wg       sync.WaitGroup
}

// New creates a scheduler. work is called once per admitted run.
func New(store RunStore, work WorkFunc, cfg Config) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		store:  store,
		work:   work,
		cfg:    cfg,
		logger: log.WithComponent(cfg.Logger, "scheduler"),
		active: make(map[string]*slot),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Submit creates a PENDING run for the trigger and queues it. It never
// blocks on capacity.
func (s *Scheduler) Submit(ctx context.Context, trig Trigger) (string, error) {
	if s.draining.Load() {
		return "", ErrDraining
	}

	id := s.cfg.NewID()
	r := run.New(id, trig.Pipeline, trig.Version, trig.Source, trig.Inputs, s.cfg.Now())
	if err := s.store.Create(ctx, r); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, id)
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.SetQueueDepth(depth)
	s.logger.Debug("run queued",
		slog.String(log.RunIDKey, id),
		slog.String(log.PipelineKey, trig.Pipeline),
		slog.Int("queue_depth", depth))

	s.signal()
	return id, nil
}

// Tick admits queued runs in FIFO order until the queue is empty or every
// slot is taken. It returns the number of runs admitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	admitted := 0
	for {
		id, sl, err := s.next()
		if err != nil {
			var limitErr *errors.ConcurrencyLimitError
			if errors.As(err, &limitErr) {
				metrics.RecordAdmissionDeferred()
				s.logger.Debug("admission deferred", log.Error(err))
			}
			return admitted
		}
		if id == "" {
			return admitted
		}

		_, err = s.store.Update(context.WithoutCancel(ctx), id, func(r *run.Run) error {
			return r.Transition(run.StateRunning, s.cfg.Now(), "admitted")
		})
		if err != nil {
			s.logger.Error("failed to admit run", slog.String(log.RunIDKey, id), log.Error(err))
			s.release(id)
			continue
		}

		s.wg.Add(1)
		go s.execute(ctx, id, sl)
		admitted++
	}
}

// next pops the head of the queue and reserves a slot for it. It returns
// an empty id when the queue is empty and a ConcurrencyLimitError when no
// slot is free.
func (s *Scheduler) next() (string, *slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", nil, nil
	}
	if len(s.active) >= s.cfg.MaxParallel {
		return "", nil, &errors.ConcurrencyLimitError{Limit: s.cfg.MaxParallel, Active: len(s.active)}
	}

	id := s.queue[0]
	s.queue = s.queue[1:]
	sl := &slot{stopped: make(chan struct{})}
	s.active[id] = sl

	metrics.SetQueueDepth(len(s.queue))
	metrics.SetActiveRuns(len(s.active))
	return id, sl, nil
}

func (s *Scheduler) execute(ctx context.Context, id string, sl *slot) {
	defer s.wg.Done()
	defer s.release(id)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("run work function panicked",
				slog.String(log.RunIDKey, id),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	s.work(ctx, id, sl.stopped)

	if r, err := s.store.Get(id); err == nil && !r.State.IsTerminal() {
		s.logger.Error("work function returned before run finished",
			slog.String(log.RunIDKey, id),
			slog.String(log.StateKey, string(r.State)))
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	n := len(s.active)
	s.mu.Unlock()

	metrics.SetActiveRuns(n)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel requests cancellation of a run. A queued run is removed from the
// queue and moves to CANCELLED immediately. An executing run is asked to
// stop at its next task or stage boundary. Cancelling a run in any other
// state returns *errors.StateTransitionError.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			depth := len(s.queue)
			s.mu.Unlock()

			metrics.SetQueueDepth(depth)
			_, err := s.store.Update(ctx, id, func(r *run.Run) error {
				return r.Transition(run.StateCancelled, s.cfg.Now(), "cancelled while queued")
			})
			return err
		}
	}
	sl, active := s.active[id]
	s.mu.Unlock()

	r, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if active && (r.State == run.StateRunning || r.State == run.StatePending) {
		sl.cancel()
		s.logger.Info("cancellation requested", slog.String(log.RunIDKey, id))
		return nil
	}

	return &errors.StateTransitionError{
		RunID:    id,
		From:     string(r.State),
		To:       string(run.StateCancelled),
		Terminal: r.State.IsTerminal(),
	}
}

// Start runs the admission loop in the background until Stop is called or
// ctx is done. Work functions receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.wake:
			case <-ticker.C:
			}
		}
	}()
}

// StartDraining stops Submit from accepting runs. Runs already queued are
// still admitted.
func (s *Scheduler) StartDraining() {
	s.draining.Store(true)
}

// IsDraining reports whether draining has started.
func (s *Scheduler) IsDraining() bool {
	return s.draining.Load()
}

// Active returns the number of runs holding a slot.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Queued returns the number of runs waiting for admission.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Limit returns the concurrency limit.
func (s *Scheduler) Limit() int {
	return s.cfg.MaxParallel
}

// WaitForDrain waits until no run is queued or executing, or until the
// timeout is reached.
func (s *Scheduler) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		if s.Active() == 0 && s.Queued() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("drain timeout: %d run(s) still executing, %d queued", s.Active(), s.Queued())
		case <-ticker.C:
		}
	}
}

// Stop ends the admission loop, cancels queued runs, asks executing runs to
// stop and waits for their work functions to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.draining.Store(true)

	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	for _, sl := range s.active {
		sl.cancel()
	}
	s.mu.Unlock()
	metrics.SetQueueDepth(0)

	for _, id := range queued {
		if _, err := s.store.Update(context.WithoutCancel(ctx), id, func(r *run.Run) error {
			return r.Transition(run.StateCancelled, s.cfg.Now(), "scheduler stopped")
		}); err != nil {
			s.logger.Warn("failed to cancel queued run", slog.String(log.RunIDKey, id), log.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if n := s.Active(); n > 0 {
			return fmt.Errorf("stop timeout: %d run(s) still executing after cancellation", n)
		}
		return ctx.Err()
	}
}
