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

package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/pkg/errors"
)

// Fixer proposes a fix for a failure.
type Fixer interface {
	ProposeFix(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error)
}

// FixerFunc adapts a function to Fixer.
type FixerFunc func(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error)

// ProposeFix implements Fixer.
func (f FixerFunc) ProposeFix(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
	return f(ctx, snap)
}

// ApplyResult reports the outcome of applying a fix.
type ApplyResult struct {
	Applied bool
	Details string
}

// Applier applies a proposed fix to the workspace.
type Applier interface {
	Apply(ctx context.Context, payload *run.FixPayload) (*ApplyResult, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, payload *run.FixPayload) (*ApplyResult, error)

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, payload *run.FixPayload) (*ApplyResult, error) {
	return f(ctx, payload)
}

// CommandFixer runs an external program that reads a failure snapshot as
// JSON on stdin and writes a fix payload as JSON on stdout.
type CommandFixer struct {
	Command []string
	Dir     string

	// Logger receives the raw exchange at trace level. Optional.
	Logger *slog.Logger
}

// ProposeFix implements Fixer.
func (c *CommandFixer) ProposeFix(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
	input, err := json.Marshal(snap)
	if err != nil {
		return nil, &errors.FixerError{Reason: "encoding snapshot", Cause: err}
	}

	stdout, stderr, err := runCommand(ctx, c.Command, c.Dir, input)
	if c.Logger != nil {
		log.Trace(c.Logger, "fixer exchange",
			slog.String(log.RunIDKey, snap.RunID),
			slog.String("stdin", string(input)),
			slog.String("stdout", string(stdout)),
			slog.String("stderr", string(stderr)))
	}
	if err != nil {
		return nil, &errors.FixerError{Reason: commandFailure(stderr), Cause: err}
	}

	var payload run.FixPayload
	if err := json.Unmarshal(stdout, &payload); err != nil {
		return nil, &errors.FixerError{Reason: "decoding fix payload", Cause: err}
	}
	if payload.Summary == "" && payload.Patch == "" && len(payload.Files) == 0 {
		return nil, &errors.FixerError{Reason: "fixer returned an empty fix"}
	}
	return &payload, nil
}

// CommandApplier runs an external program with the fix on stdin: the
// patch when one is present, otherwise the payload as JSON. Exit status
// zero means the fix was applied; its output becomes the details.
type CommandApplier struct {
	Command []string
	Dir     string
}

// Apply implements Applier.
func (c *CommandApplier) Apply(ctx context.Context, payload *run.FixPayload) (*ApplyResult, error) {
	input := []byte(payload.Patch)
	if payload.Patch == "" {
		var err error
		if input, err = json.Marshal(payload); err != nil {
			return nil, &errors.ApplyError{Reason: "encoding payload", Cause: err}
		}
	}

	stdout, stderr, err := runCommand(ctx, c.Command, c.Dir, input)
	details := strings.TrimSpace(string(stdout) + string(stderr))
	if err != nil {
		return &ApplyResult{Details: details}, &errors.ApplyError{Reason: commandFailure(stderr), Details: details, Cause: err}
	}
	return &ApplyResult{Applied: true, Details: details}, nil
}

func runCommand(ctx context.Context, argv []string, dir string, stdin []byte) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("command is empty")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func commandFailure(stderr []byte) string {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return "command failed"
	}
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return msg
}

// BreakerConfig configures BreakerFixer.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Zero selects 5.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open. Zero selects 30s.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// BreakerFixer stops calling a fixer that keeps failing. While the
// breaker is open every call fails fast with a FixerError.
type BreakerFixer struct {
	next Fixer
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerFixer wraps next in a circuit breaker.
func NewBreakerFixer(next Fixer, cfg BreakerConfig) *BreakerFixer {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BreakerFixer{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fixer",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("fixer circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

// ProposeFix implements Fixer.
func (b *BreakerFixer) ProposeFix(ctx context.Context, snap run.FailureSnapshot) (*run.FixPayload, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ProposeFix(ctx, snap)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &errors.FixerError{Reason: "fixer unavailable", Cause: err}
	}
	if err != nil {
		return nil, err
	}
	payload, _ := out.(*run.FixPayload)
	return payload, nil
}

// State returns the breaker state: closed, half-open or open.
func (b *BreakerFixer) State() string {
	return b.cb.State().String()
}
