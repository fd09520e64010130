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

// Package run holds the pipeline run model and its lifecycle state machine.
//
// A Run is plain data. It is owned by the store, which hands out deep
// copies and applies mutations one at a time per run id; nothing in this
// package is safe for concurrent mutation on its own.
package run

import (
	"time"
)

// Outcome is the result of a task or stage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Context keys for recorded results.
const (
	contextTasks  = "tasks"
	contextStages = "stages"
)

// TaskResult records one task execution.
type TaskResult struct {
	Task        string        `json:"task"`
	Action      string        `json:"action"`
	Outcome     Outcome       `json:"outcome"`
	Output      any           `json:"output,omitempty"`
	Logs        string        `json:"logs,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// StageResult records one stage execution. Tasks are listed in completion
// order.
type StageResult struct {
	Stage   string       `json:"stage"`
	Attempt int          `json:"attempt"`
	Outcome Outcome      `json:"outcome"`
	Tasks   []TaskResult `json:"tasks,omitempty"`
	Error   string       `json:"error,omitempty"`

	// Cancelled is set when cancellation was observed while the stage ran.
	Cancelled bool `json:"cancelled,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// FailedTask returns the first failed task, if any.
func (s *StageResult) FailedTask() (*TaskResult, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].Outcome == OutcomeFailure {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// FailureSnapshot captures what the fixer needs to know about a failure.
type FailureSnapshot struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Version    string         `json:"version,omitempty"`
	Stage      string         `json:"stage"`
	Task       string         `json:"task,omitempty"`
	Action     string         `json:"action,omitempty"`
	Attempt    int            `json:"attempt"`
	Error      string         `json:"error"`
	Logs       string         `json:"logs,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// FixPayload is a fix proposed by the fixer. Its content is opaque to the
// orchestrator and only meaningful to the applier.
type FixPayload struct {
	Summary  string            `json:"summary"`
	Patch    string            `json:"patch,omitempty"`
	Files    map[string]string `json:"files,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// FixAttempt records one pass through the recovery loop.
type FixAttempt struct {
	RunID        string          `json:"run_id"`
	Number       int             `json:"number"`
	Snapshot     FailureSnapshot `json:"snapshot"`
	Payload      *FixPayload     `json:"payload,omitempty"`
	Applied      bool            `json:"applied"`
	ApplyDetails string          `json:"apply_details,omitempty"`

	// Verified is set once the re-run that followed this fix finishes:
	// true when it succeeded. Nil until then, and for fixes never applied.
	Verified *bool `json:"verified,omitempty"`

	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Transition records one state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Run is one execution of a pipeline definition, including any re-runs
// after automated fixes.
type Run struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
	Version  string `json:"version,omitempty"`
	Trigger  string `json:"trigger,omitempty"`
	State    State  `json:"state"`

	// Attempt counts fix attempts consumed so far.
	Attempt int `json:"attempt"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Context map[string]any `json:"context"`

	// Stages only grows. Results from re-runs are appended with their
	// attempt number.
	Stages      []StageResult `json:"stages"`
	FixAttempts []FixAttempt  `json:"fix_attempts,omitempty"`

	// Failure is the most recent failure snapshot.
	Failure *FailureSnapshot `json:"failure,omitempty"`

	Transitions []Transition `json:"transitions"`
	Error       string       `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a PENDING run.
func New(id, pipeline, version, trigger string, inputs map[string]any, now time.Time) *Run {
	return &Run{
		ID:       id,
		Pipeline: pipeline,
		Version:  version,
		Trigger:  trigger,
		State:    StatePending,
		Inputs:   copyMap(inputs),
		Context: map[string]any{
			contextTasks:  map[string]any{},
			contextStages: map[string]any{},
		},
		Stages:    []StageResult{},
		CreatedAt: now,
	}
}

// Transition moves the run to state to. Disallowed transitions, including
// any transition out of a terminal state, return *errors.StateTransitionError
// and leave the run unchanged.
func (r *Run) Transition(to State, at time.Time, reason string) error {
	if err := checkTransition(r.ID, r.State, to); err != nil {
		return err
	}

	if r.State == StateRunning {
		r.resolveVerification(to == StateSucceeded)
	}

	r.Transitions = append(r.Transitions, Transition{From: r.State, To: to, At: at, Reason: reason})
	r.State = to

	if to == StateRunning && r.StartedAt == nil {
		t := at
		r.StartedAt = &t
	}
	if to.IsTerminal() {
		t := at
		r.CompletedAt = &t
	}
	return nil
}

// resolveVerification marks the latest applied fix as verified or not once
// the execution that followed it ends.
func (r *Run) resolveVerification(succeeded bool) {
	fa := r.LastFixAttempt()
	if fa == nil || !fa.Applied || fa.Verified != nil {
		return
	}
	v := succeeded
	fa.Verified = &v
}

// RecordTask stores a task result in the run context under tasks.<name>.
// It is called in completion order; later writes for the same task (from a
// re-run) replace earlier ones.
func (r *Run) RecordTask(stage string, res TaskResult) {
	tasks := r.section(contextTasks)
	entry := map[string]any{
		"stage":   stage,
		"outcome": string(res.Outcome),
	}
	if res.Output != nil {
		entry["output"] = copyValue(res.Output)
	}
	if res.Error != "" {
		entry["error"] = res.Error
	}
	tasks[res.Task] = entry
}

// RecordStage appends a stage result and exposes its outcome as
// stages.<name>.outcome in the run context.
func (r *Run) RecordStage(res StageResult) {
	r.Stages = append(r.Stages, cloneStage(res))
	r.section(contextStages)[res.Stage] = map[string]any{
		"outcome": string(res.Outcome),
	}
}

func (r *Run) section(key string) map[string]any {
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	m, ok := r.Context[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		r.Context[key] = m
	}
	return m
}

// TaskNames returns the task names recorded in the context so far.
func (r *Run) TaskNames() []string {
	tasks, _ := r.Context[contextTasks].(map[string]any)
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	return names
}

// ConditionEnv returns the environment stage conditions are evaluated
// against. The result shares nothing with the run.
func (r *Run) ConditionEnv() map[string]any {
	env := copyMap(r.Context)
	env["inputs"] = copyMap(r.Inputs)
	env["attempt"] = r.Attempt
	env["pipeline"] = r.Pipeline
	env["run_id"] = r.ID
	return env
}

// LastFixAttempt returns the most recent fix attempt, or nil.
func (r *Run) LastFixAttempt() *FixAttempt {
	if len(r.FixAttempts) == 0 {
		return nil
	}
	return &r.FixAttempts[len(r.FixAttempts)-1]
}

// StagesForAttempt returns the stage results recorded during the given
// execution attempt.
func (r *Run) StagesForAttempt(attempt int) []StageResult {
	var out []StageResult
	for _, s := range r.Stages {
		if s.Attempt == attempt {
			out = append(out, s)
		}
	}
	return out
}

// Duration returns wall time from start to completion, or to now when the
// run has not finished.
func (r *Run) Duration(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	c := *r
	c.Inputs = copyMap(r.Inputs)
	c.Context = copyMap(r.Context)

	c.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		c.Stages[i] = cloneStage(s)
	}

	if r.FixAttempts != nil {
		c.FixAttempts = make([]FixAttempt, len(r.FixAttempts))
		for i, fa := range r.FixAttempts {
			c.FixAttempts[i] = cloneFixAttempt(fa)
		}
	}

	if r.Failure != nil {
		f := cloneSnapshot(*r.Failure)
		c.Failure = &f
	}

	if r.Transitions != nil {
		c.Transitions = make([]Transition, len(r.Transitions))
		copy(c.Transitions, r.Transitions)
	}

	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Summary is the compact record kept for a run after eviction.
type Summary struct {
	ID          string        `json:"id"`
	Pipeline    string        `json:"pipeline"`
	State       State         `json:"state"`
	Attempt     int           `json:"attempt"`
	FixAttempts int           `json:"fix_attempts"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Summary condenses the run.
func (r *Run) Summary(now time.Time) Summary {
	s := Summary{
		ID:          r.ID,
		Pipeline:    r.Pipeline,
		State:       r.State,
		Attempt:     r.Attempt,
		FixAttempts: len(r.FixAttempts),
		Error:       r.Error,
		Duration:    r.Duration(now),
		CreatedAt:   r.CreatedAt,
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		s.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// SuccessRate returns the percentage of finished runs that succeeded,
// together with the number of finished runs. Only SUCCEEDED and ESCALATED
// runs count as finished.
func SuccessRate(runs []Summary) (float64, int) {
	var succeeded, finished int
	for _, s := range runs {
		switch s.State {
		case StateSucceeded:
			succeeded++
			finished++
		case StateEscalated:
			finished++
		}
	}
	if finished == 0 {
		return 0, 0
	}
	return float64(succeeded) / float64(finished) * 100, finished
}

func cloneStage(s StageResult) StageResult {
	c := s
	if s.Tasks != nil {
		c.Tasks = make([]TaskResult, len(s.Tasks))
		for i, t := range s.Tasks {
			tc := t
			tc.Output = copyValue(t.Output)
			c.Tasks[i] = tc
		}
	}
	return c
}

func cloneSnapshot(s FailureSnapshot) FailureSnapshot {
	c := s
	c.Context = copyMap(s.Context)
	return c
}

func cloneFixAttempt(fa FixAttempt) FixAttempt {
	c := fa
	c.Snapshot = cloneSnapshot(fa.Snapshot)
	if fa.Payload != nil {
		p := *fa.Payload
		if fa.Payload.Files != nil {
			p.Files = make(map[string]string, len(fa.Payload.Files))
			for k, v := range fa.Payload.Files {
				p.Files[k] = v
			}
		}
		p.Metadata = copyMap(fa.Payload.Metadata)
		c.Payload = &p
	}
	if fa.Verified != nil {
		v := *fa.Verified
		c.Verified = &v
	}
	return c
}

// copyMap deep copies nested maps and slices of the shapes produced by
// YAML and JSON decoding. Other values are copied by assignment.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// CopyContext deep copies a context map.
func CopyContext(m map[string]any) map[string]any {
	return copyMap(m)
}
