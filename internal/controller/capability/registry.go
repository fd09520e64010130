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

// Package capability resolves task actions to handlers and runs them.
//
// The Registry is the task runner used by the stage executor: it looks an
// action up, executes it and normalizes every failure into a
// *errors.TaskExecutionError so that callers can record it as task data.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/autofix/pkg/errors"
)

// Request is a single task invocation.
type Request struct {
	RunID    string
	Pipeline string
	Stage    string
	Task     string
	Action   string

	// Config is the task configuration, passed through verbatim.
	Config map[string]any

	// Context is a read-only copy of the run context at dispatch time.
	Context map[string]any
}

// Result is what a handler produced.
type Result struct {
	// Output is stored in the run context under the task name.
	Output any

	// Logs is the captured output of the action.
	Logs string
}

// Handler executes one action.
type Handler interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps action ids to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same action twice is an error.
func (r *Registry) Register(action string, h Handler) error {
	if action == "" {
		return &errors.ValidationError{Field: "action", Message: "action id is required"}
	}
	if h == nil {
		return &errors.ValidationError{Field: action, Message: "handler is nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[action]; exists {
		return fmt.Errorf("action already registered: %s", action)
	}
	r.handlers[action] = h
	return nil
}

// Lookup returns the handler for an action, or *errors.NotFoundError.
func (r *Registry) Lookup(action string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "action", ID: action}
	}
	return h, nil
}

// Has reports whether an action is registered.
func (r *Registry) Has(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[action]
	return ok
}

// Actions returns the registered action ids, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Execute runs req.Action. A nil error means the task succeeded. Any
// failure, including an unknown action, a deadline or a handler panic, is
// returned as *errors.TaskExecutionError.
func (r *Registry) Execute(ctx context.Context, req Request) (res *Result, err error) {
	h, err := r.Lookup(req.Action)
	if err != nil {
		return nil, &errors.TaskExecutionError{
			Task:   req.Task,
			Action: req.Action,
			Reason: "unknown action",
			Cause:  err,
		}
	}

	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, &errors.TaskExecutionError{
				Task:   req.Task,
				Action: req.Action,
				Reason: fmt.Sprintf("handler panicked: %v", p),
			}
		}
	}()

	res, err = h.Execute(ctx, req)
	if err == nil {
		if res == nil {
			res = &Result{}
		}
		return res, nil
	}

	var logs string
	if res != nil {
		logs = res.Logs
	}
	return nil, taskError(ctx, req, err, logs, time.Since(started))
}

func taskError(ctx context.Context, req Request, err error, logs string, elapsed time.Duration) error {
	var te *errors.TaskExecutionError
	if errors.As(err, &te) {
		out := *te
		if out.Task == "" {
			out.Task = req.Task
		}
		if out.Action == "" {
			out.Action = req.Action
		}
		if out.Logs == "" {
			out.Logs = logs
		}
		if ctx.Err() == context.DeadlineExceeded && out.Cause == nil {
			out.Cause = &errors.TimeoutError{Operation: "task " + req.Task, Duration: elapsed}
		}
		return &out
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &errors.TaskExecutionError{
			Task:   req.Task,
			Action: req.Action,
			Reason: "timed out",
			Logs:   logs,
			Cause:  &errors.TimeoutError{Operation: "task " + req.Task, Duration: elapsed, Cause: err},
		}
	}

	return &errors.TaskExecutionError{
		Task:   req.Task,
		Action: req.Action,
		Reason: err.Error(),
		Logs:   logs,
		Cause:  err,
	}
}
