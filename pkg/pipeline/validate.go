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

package pipeline

import (
	stderrors "errors"
	"fmt"

	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline/expression"
)

// ActionSet reports whether an action id is registered.
type ActionSet interface {
	Has(action string) bool
}

// ValidateOptions tunes Validate.
type ValidateOptions struct {
	// Actions, when set, rejects tasks whose action is not registered.
	Actions ActionSet

	// Evaluator compiles conditions. A fresh one is used when nil.
	Evaluator *expression.Evaluator
}

// Validate checks the definition and returns every problem found, joined.
// Each problem is a *errors.ValidationError.
func (d *Definition) Validate(opts ValidateOptions) error {
	var errs []error
	add := func(field, msg, suggestion string) {
		errs = append(errs, &errors.ValidationError{Field: field, Message: msg, Suggestion: suggestion})
	}

	eval := opts.Evaluator
	if eval == nil {
		eval = expression.New()
	}

	if d.Name == "" {
		add("name", "pipeline name is required", "add a name to the pipeline definition")
	}
	if len(d.Stages) == 0 {
		add("stages", "pipeline must have at least one stage", "add at least one stage")
	}
	validatePolicy(d.OnFailure, "on_failure", add)

	stageNames := make(map[string]bool)
	taskNames := make(map[string]bool)
	var earlierTasks []string

	for i, s := range d.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if s.Name == "" {
			add(prefix+".name", "stage name is required", "give every stage a unique name")
		} else if stageNames[s.Name] {
			add(prefix+".name", fmt.Sprintf("duplicate stage name %q", s.Name), "stage names must be unique")
		}
		stageNames[s.Name] = true

		if len(s.Tasks) == 0 {
			add(prefix+".tasks", "stage must have at least one task", "add a task or remove the stage")
		}
		if s.MaxConcurrency < 0 {
			add(prefix+".max_concurrency", "must not be negative", "use 0 for no limit")
		}
		if s.MaxConcurrency > 0 && !s.Parallel {
			add(prefix+".max_concurrency", "only applies to parallel stages", "set parallel: true or remove max_concurrency")
		}
		validatePolicy(s.OnFailure, prefix+".on_failure", add)

		if s.Condition != "" {
			if err := eval.Validate(s.Condition); err != nil {
				add(prefix+".condition", err.Error(), "check the expression syntax")
			} else if err := expression.ValidateTaskReferences(s.Condition, earlierTasks); err != nil {
				add(prefix+".condition", err.Error(), "conditions may only reference tasks of earlier stages")
			}
		}

		for j, t := range s.Tasks {
			tprefix := fmt.Sprintf("%s.tasks[%d]", prefix, j)
			switch {
			case t.Name == "":
				add(tprefix+".name", "task name is required", "give every task a name")
			case taskNames[t.Name]:
				add(tprefix+".name", fmt.Sprintf("duplicate task name %q", t.Name), "task names must be unique across the pipeline")
			}
			taskNames[t.Name] = true

			if t.Action == "" {
				add(tprefix+".action", "task action is required", "set action to a registered capability such as shell")
			} else if opts.Actions != nil && !opts.Actions.Has(t.Action) {
				add(tprefix+".action", fmt.Sprintf("unknown action %q", t.Action), "use a registered action")
			}
			if t.Timeout < 0 {
				add(tprefix+".timeout", "must not be negative", "")
			}
		}
		for _, t := range s.Tasks {
			earlierTasks = append(earlierTasks, t.Name)
		}
	}

	return stderrors.Join(errs...)
}

func validatePolicy(p *FailurePolicy, field string, add func(field, msg, suggestion string)) {
	if p == nil {
		return
	}
	switch p.Action {
	case "", FailureFix, FailureEscalate:
	default:
		add(field+".action", fmt.Sprintf("unknown failure action %q", p.Action), "use fix or escalate")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		add(field+".max_retries", "must not be negative", "")
	}
}
