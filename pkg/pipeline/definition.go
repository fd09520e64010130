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

// Package pipeline describes pipelines: named, versioned, ordered lists of
// stages, each a sequential or parallel group of tasks. Definitions are
// loaded once and shared read-only between runs.
package pipeline

import (
	"time"
)

// FailureAction selects what happens when a stage fails.
type FailureAction string

const (
	// FailureFix hands the failure to the recovery loop.
	FailureFix FailureAction = "fix"
	// FailureEscalate skips automated fixing and escalates straight away.
	FailureEscalate FailureAction = "escalate"
)

// Definition is an immutable pipeline description.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// OnFailure is the pipeline-wide failure policy. Stages may override it.
	OnFailure *FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	Stages []Stage `yaml:"stages" json:"stages"`

	// Source is the file the definition was loaded from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Stage is a named group of tasks.
type Stage struct {
	Name  string `yaml:"name" json:"name"`
	Tasks []Task `yaml:"tasks" json:"tasks"`

	// Parallel runs all tasks concurrently instead of in order.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// MaxConcurrency bounds concurrent tasks in a parallel stage. Zero means
	// no limit.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Condition is an expression over the run context. When it evaluates
	// false the stage is skipped.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// OnFailure overrides the pipeline failure policy for this stage.
	OnFailure *FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Task is a single unit of work.
type Task struct {
	Name string `yaml:"name" json:"name"`

	// Action is the capability id resolved against the action registry.
	Action string `yaml:"action" json:"action"`

	// Config is passed to the action verbatim.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Timeout bounds the task. Zero means no task-level limit.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// FailurePolicy overrides how failures are handled.
type FailurePolicy struct {
	Action     FailureAction `yaml:"action,omitempty" json:"action,omitempty"`
	MaxRetries *int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Policy is a fully resolved failure policy.
type Policy struct {
	AutoFix    bool
	MaxRetries int
}

// Stage returns the stage with the given name.
func (d *Definition) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// TaskNames returns every task name in definition order.
func (d *Definition) TaskNames() []string {
	var names []string
	for _, s := range d.Stages {
		for _, t := range s.Tasks {
			names = append(names, t.Name)
		}
	}
	return names
}

// EffectivePolicy resolves the failure policy for a failure in stage. The
// stage override wins over the pipeline override, which wins over defaults.
// A fix action never turns auto-fix on when defaults have it off.
func (d *Definition) EffectivePolicy(stage string, defaults Policy) Policy {
	p := defaults
	apply := func(fp *FailurePolicy) {
		if fp == nil {
			return
		}
		if fp.Action == FailureEscalate {
			p.AutoFix = false
		}
		if fp.MaxRetries != nil {
			p.MaxRetries = *fp.MaxRetries
		}
	}

	apply(d.OnFailure)
	if s, ok := d.Stage(stage); ok {
		apply(s.OnFailure)
	}
	return p
}
