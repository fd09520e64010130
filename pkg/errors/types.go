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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents malformed input such as an invalid pipeline
// definition field or a bad request body.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// Hint implements Hinter.
func (e *ValidationError) Hint() string { return e.Suggestion }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "pipeline", "action")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// Hint implements Hinter.
func (e *NotFoundError) Hint() string {
	switch e.Resource {
	case "run":
		return "finished runs are evicted from memory; try 'autofix history <pipeline>'"
	case "pipeline":
		return "run 'autofix pipelines' to list loaded pipelines"
	}
	return ""
}

// ConfigError represents configuration problems: an unreadable config file,
// an invalid setting, a malformed pipeline definition or a reference to a
// pipeline or action that does not exist. It is raised before any run state
// is created and is one of the two error kinds that propagate out of the
// orchestration core.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "orchestrator.max_fix_retries")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "configuration" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// Hint implements Hinter.
func (e *ConfigError) Hint() string {
	switch e.Key {
	case "pipeline":
		return "check pipelines.dir or run 'autofix validate' on the definition"
	case "":
		return ""
	}
	return "run 'autofix config validate' to check the configuration"
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "propose fix", "task build")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// TaskExecutionError is raised by a task handler when an action fails.
// The stage executor never lets it escape: it is recorded as a failed task
// result on the run.
type TaskExecutionError struct {
	// Task is the task name within the pipeline
	Task string

	// Action is the capability id the task invoked
	Action string

	// Reason is a short description of the failure
	Reason string

	// Logs holds any output captured before the failure
	Logs string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TaskExecutionError) Error() string {
	msg := "task"
	if e.Task != "" {
		msg = fmt.Sprintf("task %s", e.Task)
	}
	if e.Action != "" {
		msg = fmt.Sprintf("%s (action %s)", msg, e.Action)
	}
	msg = fmt.Sprintf("%s failed: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TaskExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TaskExecutionError) ErrorType() string { return "task_execution" }

// IsRetryable implements ErrorClassifier.
func (e *TaskExecutionError) IsRetryable() bool { return false }

// FixerError is raised when the fixer capability fails, times out or is
// unavailable. It escalates the run.
type FixerError struct {
	// Reason is a short description of the failure
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FixerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fixer failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fixer failed: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FixerError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *FixerError) ErrorType() string { return "fixer" }

// IsRetryable implements ErrorClassifier.
func (e *FixerError) IsRetryable() bool { return false }

// ApplyError is raised when a proposed fix could not be applied.
type ApplyError struct {
	// Reason is a short description of the failure
	Reason string

	// Details is whatever the applier reported
	Details string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fix apply failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fix apply failed: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ApplyError) ErrorType() string { return "apply" }

// IsRetryable implements ErrorClassifier.
func (e *ApplyError) IsRetryable() bool { return false }

// ConcurrencyLimitError reports that a run cannot be admitted yet because the
// scheduler is at capacity. It is not a failure: the run stays PENDING until
// a slot frees up.
type ConcurrencyLimitError struct {
	// Limit is the configured maximum number of parallel runs
	Limit int

	// Active is the number of runs holding a slot
	Active int
}

// Error implements the error interface.
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d of %d slots in use", e.Active, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *ConcurrencyLimitError) ErrorType() string { return "concurrency_limit" }

// IsRetryable implements ErrorClassifier.
func (e *ConcurrencyLimitError) IsRetryable() bool { return true }

// StateTransitionError reports an attempted run state change the lifecycle
// does not allow, including any change away from a terminal state. It
// indicates a programming error and must never be swallowed.
type StateTransitionError struct {
	// RunID identifies the run
	RunID string

	// From is the current state
	From string

	// To is the requested state
	To string

	// Terminal is true when From is a terminal state
	Terminal bool
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("run %s: illegal transition %s -> %s: run is in terminal state %s", e.RunID, e.From, e.To, e.From)
	}
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// ErrorType implements ErrorClassifier.
func (e *StateTransitionError) ErrorType() string { return "state_transition" }

// IsRetryable implements ErrorClassifier.
func (e *StateTransitionError) IsRetryable() bool { return false }
