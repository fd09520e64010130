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

package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/autofix/pkg/errors"
)

// Evaluator compiles and runs stage conditions. It is safe for concurrent
// use; compiled programs are kept for the life of the evaluator.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New creates an evaluator.
func New() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate runs expression against env, normally the run context built by
// the stage executor. An empty expression is true.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, conditionError("failed to compile expression", err, "check expression syntax")
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, conditionError("expression evaluation failed", err,
			"verify that referenced tasks and inputs exist in the run context")
	}

	b, ok := result.(bool)
	if !ok {
		return false, conditionError(fmt.Sprintf("expression must return boolean, got %T", result), nil,
			"use a comparison such as == or != or a boolean helper like has()")
	}
	return b, nil
}

// Validate compiles expression without running it.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	if _, err := e.program(expression); err != nil {
		return conditionError(fmt.Sprintf("invalid expression %q", expression), err, "check expression syntax")
	}
	return nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	opts := append(helpers(),
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}

func conditionError(msg string, cause error, suggestion string) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &errors.ValidationError{Field: "condition", Message: msg, Suggestion: suggestion}
}
