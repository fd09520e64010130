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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/controller/store"
	"github.com/tombee/autofix/pkg/errors"
)

// gate lets a test decide when each run's work function finishes.
type gate struct {
	mu      sync.Mutex
	release map[string]chan run.State
	started chan string
}

func newGate() *gate {
	return &gate{release: make(map[string]chan run.State), started: make(chan string, 100)}
}

func (g *gate) ch(id string) chan run.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan run.State, 1)
		g.release[id] = c
	}
	return c
}

// finish makes the run's work function end the run in state.
func (g *gate) finish(id string, state run.State) {
	g.ch(id) <- state
}

func (g *gate) work(s *store.Store) WorkFunc {
	return func(ctx context.Context, id string, stopped <-chan struct{}) {
		g.started <- id
		var final run.State
		select {
		case final = <-g.ch(id):
		case <-stopped:
			final = run.StateCancelled
		}
		_, _ = s.Update(ctx, id, func(r *run.Run) error {
			return r.Transition(final, time.Now(), "")
		})
	}
}

func newTestScheduler(t *testing.T, limit int, work func(*store.Store) WorkFunc) (*Scheduler, *store.Store) {
	t.Helper()
	s := store.New()
	var n atomic.Int32
	sched := New(s, work(s), Config{
		MaxParallel:  limit,
		TickInterval: 10 * time.Millisecond,
		NewID:        func() string { return fmt.Sprintf("run-%d", n.Add(1)) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return sched, s
}

func submitN(t *testing.T, sched *Scheduler, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := sched.Submit(context.Background(), Trigger{Pipeline: "build", Source: "test"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

// waitStarted waits until exactly the given runs have started, in any order.
func waitStarted(t *testing.T, g *gate, want ...string) {
	t.Helper()
	pending := make(map[string]bool, len(want))
	for _, id := range want {
		pending[id] = true
	}
	for len(pending) > 0 {
		select {
		case got := <-g.started:
			if !pending[got] {
				t.Fatalf("started %s, want one of %v", got, want)
			}
			delete(pending, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("runs %v never started", want)
		}
	}
}

func waitState(t *testing.T, s *store.Store, id string, want run.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := s.Get(id)
		if err == nil && r.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s state = %v, want %s", id, r, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func states(s *store.Store, ids []string) map[run.State]int {
	out := map[run.State]int{}
	for _, id := range ids {
		r, _ := s.Get(id)
		out[r.State]++
	}
	return out
}

func TestScheduler_LimitAndFIFO(t *testing.T) {
	g := newGate()
	sched, s := newTestScheduler(t, 2, g.work)
	ctx := context.Background()

	ids := submitN(t, sched, 5)
	for _, id := range ids {
		r, _ := s.Get(id)
		if r.State != run.StatePending {
			t.Fatalf("submitted run %s is %s, want PENDING", id, r.State)
		}
	}

	if n := sched.Tick(ctx); n != 2 {
		t.Fatalf("Tick() admitted %d, want 2", n)
	}
	waitStarted(t, g, ids[0], ids[1])

	got := states(s, ids)
	if got[run.StateRunning] != 2 || got[run.StatePending] != 3 {
		t.Fatalf("states = %v, want 2 RUNNING 3 PENDING", got)
	}
	if sched.Active() != 2 || sched.Queued() != 3 {
		t.Errorf("active/queued = %d/%d", sched.Active(), sched.Queued())
	}

	// full: nothing more is admitted
	if n := sched.Tick(ctx); n != 0 {
		t.Errorf("Tick() at capacity admitted %d", n)
	}

	g.finish(ids[1], run.StateSucceeded)
	waitState(t, s, ids[1], run.StateSucceeded)
	waitFor(t, func() bool { return sched.Active() == 1 })

	if n := sched.Tick(ctx); n != 1 {
		t.Fatalf("Tick() admitted %d, want 1", n)
	}
	waitStarted(t, g, ids[2])

	g.finish(ids[0], run.StateSucceeded)
	waitFor(t, func() bool { return sched.Active() == 1 })
	sched.Tick(ctx)
	waitStarted(t, g, ids[3])

	r, _ := s.Get(ids[4])
	if r.State != run.StatePending {
		t.Errorf("last run = %s, want PENDING", r.State)
	}
}

func TestScheduler_SlotHeldAcrossFixCycle(t *testing.T) {
	inFixing := make(chan struct{})
	resume := make(chan struct{})
	work := func(s *store.Store) WorkFunc {
		return func(ctx context.Context, id string, stopped <-chan struct{}) {
			if id != "run-1" {
				_, _ = s.Update(ctx, id, func(r *run.Run) error { return r.Transition(run.StateSucceeded, time.Now(), "") })
				return
			}
			_, _ = s.Update(ctx, id, func(r *run.Run) error {
				_ = r.Transition(run.StateFailed, time.Now(), "")
				return r.Transition(run.StateFixing, time.Now(), "")
			})
			close(inFixing)
			<-resume
			_, _ = s.Update(ctx, id, func(r *run.Run) error {
				_ = r.Transition(run.StateRunning, time.Now(), "")
				return r.Transition(run.StateSucceeded, time.Now(), "")
			})
		}
	}
	sched, s := newTestScheduler(t, 1, work)
	ctx := context.Background()

	ids := submitN(t, sched, 2)
	sched.Tick(ctx)
	<-inFixing

	if n := sched.Tick(ctx); n != 0 {
		t.Fatalf("admitted %d runs while the slot holder was FIXING", n)
	}
	close(resume)
	waitState(t, s, ids[0], run.StateSucceeded)
	waitFor(t, func() bool { return sched.Active() == 0 })

	if n := sched.Tick(ctx); n != 1 {
		t.Errorf("Tick() admitted %d, want 1", n)
	}
	waitState(t, s, ids[1], run.StateSucceeded)
}

func TestScheduler_CancelQueued(t *testing.T) {
	g := newGate()
	sched, s := newTestScheduler(t, 1, g.work)
	ctx := context.Background()

	ids := submitN(t, sched, 3)
	if err := sched.Cancel(ctx, ids[1]); err != nil {
		t.Fatalf("Cancel(queued) error = %v", err)
	}
	r, _ := s.Get(ids[1])
	if r.State != run.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", r.State)
	}
	if sched.Queued() != 2 {
		t.Errorf("Queued() = %d, want 2", sched.Queued())
	}

	sched.Tick(ctx)
	waitStarted(t, g, ids[0])
	g.finish(ids[0], run.StateSucceeded)
	waitFor(t, func() bool { return sched.Active() == 0 })
	sched.Tick(ctx)
	waitStarted(t, g, ids[2])
}

func TestScheduler_CancelRunning(t *testing.T) {
	g := newGate()
	sched, s := newTestScheduler(t, 1, g.work)
	ctx := context.Background()

	ids := submitN(t, sched, 1)
	sched.Tick(ctx)
	waitStarted(t, g, ids[0])

	if err := sched.Cancel(ctx, ids[0]); err != nil {
		t.Fatalf("Cancel(running) error = %v", err)
	}
	waitState(t, s, ids[0], run.StateCancelled)

	// a second cancel of the now terminal run is rejected
	err := sched.Cancel(ctx, ids[0])
	var stErr *errors.StateTransitionError
	if !errors.As(err, &stErr) || !stErr.Terminal {
		t.Errorf("Cancel(terminal) error = %v, want terminal StateTransitionError", err)
	}

	var nf *errors.NotFoundError
	if err := sched.Cancel(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("Cancel(unknown) error = %v, want NotFoundError", err)
	}
}

func TestScheduler_CancelFixingRejected(t *testing.T) {
	fixing := make(chan struct{})
	release := make(chan struct{})
	work := func(s *store.Store) WorkFunc {
		return func(ctx context.Context, id string, stopped <-chan struct{}) {
			_, _ = s.Update(ctx, id, func(r *run.Run) error {
				_ = r.Transition(run.StateFailed, time.Now(), "")
				return r.Transition(run.StateFixing, time.Now(), "")
			})
			close(fixing)
			<-release
			_, _ = s.Update(ctx, id, func(r *run.Run) error { return r.Transition(run.StateEscalated, time.Now(), "") })
		}
	}
	sched, _ := newTestScheduler(t, 1, work)
	ids := submitN(t, sched, 1)
	sched.Tick(context.Background())
	<-fixing

	err := sched.Cancel(context.Background(), ids[0])
	var stErr *errors.StateTransitionError
	if !errors.As(err, &stErr) || stErr.From != string(run.StateFixing) || stErr.Terminal {
		t.Errorf("Cancel(FIXING) error = %v, want StateTransitionError from FIXING", err)
	}
	close(release)
}

func TestScheduler_StartLoop(t *testing.T) {
	g := newGate()
	sched, s := newTestScheduler(t, 2, g.work)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	sched.Start(ctx) // idempotent

	ids := submitN(t, sched, 3)
	waitStarted(t, g, ids[0], ids[1])
	g.finish(ids[0], run.StateSucceeded)
	waitStarted(t, g, ids[2])

	g.finish(ids[1], run.StateSucceeded)
	g.finish(ids[2], run.StateSucceeded)
	for _, id := range ids {
		waitState(t, s, id, run.StateSucceeded)
	}
}

func TestScheduler_Draining(t *testing.T) {
	g := newGate()
	sched, _ := newTestScheduler(t, 1, g.work)
	ctx := context.Background()

	ids := submitN(t, sched, 1)
	sched.Tick(ctx)
	waitStarted(t, g, ids[0])

	sched.StartDraining()
	if !sched.IsDraining() {
		t.Fatal("IsDraining() = false")
	}
	if _, err := sched.Submit(ctx, Trigger{Pipeline: "build"}); err != ErrDraining {
		t.Errorf("Submit() while draining error = %v, want ErrDraining", err)
	}

	if err := sched.WaitForDrain(ctx, 30*time.Millisecond); err == nil {
		t.Error("WaitForDrain() should time out while a run is executing")
	}

	g.finish(ids[0], run.StateSucceeded)
	if err := sched.WaitForDrain(ctx, 5*time.Second); err != nil {
		t.Errorf("WaitForDrain() error = %v", err)
	}
}

func TestScheduler_Stop(t *testing.T) {
	g := newGate()
	sched, s := newTestScheduler(t, 1, g.work)
	ctx := context.Background()

	ids := submitN(t, sched, 2)
	sched.Tick(ctx)
	waitStarted(t, g, ids[0])

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, id := range ids {
		r, _ := s.Get(id)
		if r.State != run.StateCancelled {
			t.Errorf("run %s = %s, want CANCELLED", id, r.State)
		}
	}
	if _, err := sched.Submit(ctx, Trigger{Pipeline: "build"}); err == nil {
		t.Error("Submit() after Stop should fail")
	}
}

func TestScheduler_WorkPanicReleasesSlot(t *testing.T) {
	work := func(s *store.Store) WorkFunc {
		return func(ctx context.Context, id string, stopped <-chan struct{}) {
			panic("boom")
		}
	}
	sched, _ := newTestScheduler(t, 1, work)
	submitN(t, sched, 1)
	sched.Tick(context.Background())
	waitFor(t, func() bool { return sched.Active() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
