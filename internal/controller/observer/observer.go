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

// Package observer delivers run lifecycle events to logging, metrics and
// alerting sinks.
//
// Delivery is fire-and-forget: observers run synchronously on the caller's
// goroutine but a panicking observer is recovered and counted, and nothing
// an observer does can change the outcome of a run.
package observer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/autofix/internal/controller/metrics"
	"github.com/tombee/autofix/internal/controller/run"
)

// TransitionEvent reports a run state change. It is emitted after the new
// state has been written.
type TransitionEvent struct {
	RunID     string    `json:"run_id"`
	Pipeline  string    `json:"pipeline"`
	From      run.State `json:"from"`
	To        run.State `json:"to"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Elapsed is the run's wall time at the moment of the transition.
	Elapsed time.Duration `json:"elapsed"`
}

// ResultEvent reports a finished task or stage. Task is empty for stage
// results.
type ResultEvent struct {
	RunID     string        `json:"run_id"`
	Pipeline  string        `json:"pipeline"`
	Stage     string        `json:"stage"`
	Task      string        `json:"task,omitempty"`
	Action    string        `json:"action,omitempty"`
	Attempt   int           `json:"attempt"`
	Outcome   run.Outcome   `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// IsStage reports whether the event describes a stage rather than a task.
func (e ResultEvent) IsStage() bool {
	return e.Task == ""
}

// Observer receives run events.
type Observer interface {
	OnTransition(TransitionEvent)
	OnResult(ResultEvent)
}

// Named is implemented by observers that want a stable label in logs and
// metrics.
type Named interface {
	Name() string
}

// Nop discards all events.
type Nop struct{}

func (Nop) OnTransition(TransitionEvent) {}
func (Nop) OnResult(ResultEvent)         {}

// Multi fans events out to a set of observers, isolating each from the
// others' panics.
type Multi struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

// NewMulti creates a fan-out observer.
func NewMulti(logger *slog.Logger, observers ...Observer) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{
		observers: observers,
		logger:    logger.With(slog.String("component", "observer")),
	}
}

// Add registers another observer.
func (m *Multi) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Len returns the number of registered observers.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// OnTransition implements Observer.
func (m *Multi) OnTransition(e TransitionEvent) {
	for _, o := range m.snapshot() {
		m.deliver(o, func() { o.OnTransition(e) })
	}
}

// OnResult implements Observer.
func (m *Multi) OnResult(e ResultEvent) {
	for _, o := range m.snapshot() {
		m.deliver(o, func() { o.OnResult(e) })
	}
}

func (m *Multi) snapshot() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observer, len(m.observers))
	copy(out, m.observers)
	return out
}

func (m *Multi) deliver(o Observer, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			name := nameOf(o)
			metrics.RecordObserverPanic(name)
			m.logger.Error("observer panicked",
				slog.String("observer", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

func nameOf(o Observer) string {
	if n, ok := o.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", o)
}
