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

package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/autofix/internal/jq"
	"github.com/tombee/autofix/pkg/errors"
)

// Builtin action ids.
const (
	ActionShell     = "shell"
	ActionNoop      = "noop"
	ActionSleep     = "sleep"
	ActionTransform = "transform"
)

// MaxSleepDuration caps the sleep action.
const MaxSleepDuration = 5 * time.Minute

// BuiltinConfig configures the builtin actions.
type BuiltinConfig struct {
	Shell ShellConfig

	// JQ evaluates transform queries. A default executor is used when nil.
	JQ *jq.Executor
}

// RegisterBuiltins adds shell, noop, sleep and transform to r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.JQ == nil {
		cfg.JQ = jq.NewExecutor(0, 0)
	}
	builtins := map[string]Handler{
		ActionShell:     NewShell(cfg.Shell),
		ActionNoop:      HandlerFunc(noop),
		ActionSleep:     HandlerFunc(sleep),
		ActionTransform: &Transform{jq: cfg.JQ},
	}
	for _, name := range []string{ActionShell, ActionNoop, ActionSleep, ActionTransform} {
		if err := r.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

// noop succeeds immediately. config.output becomes the task output and
// config.message the logs.
func noop(ctx context.Context, req Request) (*Result, error) {
	msg, _ := req.Config["message"].(string)
	return &Result{Output: req.Config["output"], Logs: msg}, nil
}

// sleep waits for config.duration ("5s", "100ms") or until ctx is done.
func sleep(ctx context.Context, req Request) (*Result, error) {
	raw, ok := req.Config["duration"].(string)
	if !ok {
		return nil, &errors.TaskExecutionError{Reason: "duration is required (e.g. \"5s\")"}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, &errors.TaskExecutionError{Reason: fmt.Sprintf("invalid duration %q", raw), Cause: err}
	}
	if d <= 0 || d > MaxSleepDuration {
		return nil, &errors.TaskExecutionError{Reason: fmt.Sprintf("duration must be in (0, %v]", MaxSleepDuration)}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &Result{Output: map[string]any{"slept_ms": d.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transform evaluates a jq query. The query input is config.input when
// set, otherwise the run context. $inputs is bound to the trigger
// overrides.
type Transform struct {
	jq *jq.Executor
}

// Execute implements Handler.
func (t *Transform) Execute(ctx context.Context, req Request) (*Result, error) {
	query, _ := req.Config["query"].(string)
	if query == "" {
		return nil, &errors.TaskExecutionError{Reason: "query is required"}
	}

	input, ok := req.Config["input"]
	if !ok {
		input = req.Context
	}
	inputs := req.Context["inputs"]
	if inputs == nil {
		inputs = map[string]any{}
	}

	out, err := t.jq.Execute(ctx, query, input, map[string]any{"inputs": inputs})
	if err != nil {
		return nil, &errors.TaskExecutionError{Reason: "transform failed", Cause: err}
	}
	return &Result{Output: out}, nil
}
