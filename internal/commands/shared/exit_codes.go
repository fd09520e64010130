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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/autofix/pkg/errors"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitRunFailed       = 1
	ExitInvalidPipeline = 2
	ExitConfigError     = 3
	ExitServerError     = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError is returned when a run did not succeed.
func NewRunFailedError(msg string) *ExitError {
	return &ExitError{Code: ExitRunFailed, Message: msg}
}

// NewInvalidPipelineError creates an error for definitions that fail to
// parse or validate.
func NewInvalidPipelineError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidPipeline, Message: msg, Cause: cause}
}

// NewConfigError creates an error for unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewServerError creates an error for failed API requests.
func NewServerError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitServerError, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code. A silent ExitError
// (empty message, no cause) exits without printing.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(PrintExitError(err))
}

// PrintExitError prints err to stderr and returns the exit code for it.
func PrintExitError(err error) int {
	code := ExitRunFailed
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
		if exitErr.Message == "" && exitErr.Cause == nil {
			return code
		}
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if s := pkgerrors.Hint(err); s != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", s)
	}
	return code
}
