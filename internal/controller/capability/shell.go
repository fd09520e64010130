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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tombee/autofix/pkg/errors"
)

// ShellConfig configures the shell action.
type ShellConfig struct {
	// WorkingDir is the default working directory for commands.
	WorkingDir string

	// Timeout is applied when the task sets none. Zero means no limit.
	Timeout time.Duration

	// Env is added to every command's environment.
	Env map[string]string
}

// Shell runs external commands.
//
// Task config:
//   - command: a string run through "sh -c", or an array run directly
//   - args: extra arguments appended to an array command
//   - dir: working directory
//   - env: additional environment variables
//
// Combined stdout and stderr become the task logs. A non-zero exit fails
// the task.
type Shell struct {
	cfg ShellConfig
}

// NewShell creates the shell action.
func NewShell(cfg ShellConfig) *Shell {
	return &Shell{cfg: cfg}
}

// Execute implements Handler.
func (s *Shell) Execute(ctx context.Context, req Request) (*Result, error) {
	argv, useShell, err := commandLine(req.Config)
	if err != nil {
		return nil, &errors.TaskExecutionError{Reason: err.Error()}
	}

	if s.cfg.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}
	}

	var cmd *exec.Cmd
	if useShell {
		cmd = exec.CommandContext(ctx, "sh", "-c", argv[0])
	} else {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}

	// children of sh may hold the output pipes open after a kill
	cmd.WaitDelay = time.Second
	cmd.Dir = s.cfg.WorkingDir
	if dir, ok := req.Config["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}

	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if env, ok := req.Config["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout bytes.Buffer
	combined := &syncBuffer{}
	cmd.Stdout = &teeWriter{dst: &stdout, all: combined}
	cmd.Stderr = combined

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	logs := combined.String()
	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		reason := fmt.Sprintf("command exited with code %d", exitCode)
		if ctx.Err() != nil {
			reason = "command interrupted: " + ctx.Err().Error()
		}
		return &Result{Logs: logs}, &errors.TaskExecutionError{
			Reason: reason,
			Logs:   logs,
			Cause:  runErr,
		}
	}

	return &Result{
		Output: map[string]any{
			"stdout":      strings.TrimSpace(stdout.String()),
			"exit_code":   0,
			"duration_ms": elapsed.Milliseconds(),
		},
		Logs: logs,
	}, nil
}

func commandLine(config map[string]any) (argv []string, useShell bool, err error) {
	command, ok := config["command"]
	if !ok {
		return nil, false, fmt.Errorf("command is required")
	}

	switch v := command.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false, fmt.Errorf("command is empty")
		}
		argv = []string{v}
		useShell = true
	case []any:
		for _, arg := range v {
			argv = append(argv, fmt.Sprintf("%v", arg))
		}
	case []string:
		argv = append(argv, v...)
	default:
		return nil, false, fmt.Errorf("command must be string or array, got %T", command)
	}

	if !useShell && len(argv) == 0 {
		return nil, false, fmt.Errorf("command array is empty")
	}

	if args, ok := config["args"].([]any); ok {
		if useShell {
			return nil, false, fmt.Errorf("args require an array command")
		}
		for _, arg := range args {
			argv = append(argv, fmt.Sprintf("%v", arg))
		}
	}
	return argv, useShell, nil
}

// syncBuffer is written to from both the stdout and stderr copiers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type teeWriter struct {
	dst *bytes.Buffer
	all *syncBuffer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.dst.Write(p)
	return w.all.Write(p)
}
