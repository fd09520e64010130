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

package run

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/pkg/pipeline"
)

// cancelGrace bounds how long we wait for a cancelled run to settle.
const cancelGrace = 30 * time.Second

func remoteMode() bool {
	return shared.ServerSet()
}

// runLocal runs the pipeline in an in-process controller.
func runLocal(cmd *cobra.Command, opts runOptions) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.noFix {
		cfg.Orchestrator.AutoFixEnabled = false
	}

	var def *pipeline.Definition
	if opts.file != "" {
		def, err = pipeline.LoadFile(opts.file)
		if err != nil {
			return shared.NewInvalidPipelineError("failed to load "+opts.file, err)
		}
	}

	c, err := controller.New(cfg, controller.Options{
		Version:    versionString(),
		Logger:     slog.Default(),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return shared.NewConfigError("failed to create controller", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.DrainTimeout+cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = c.Shutdown(shutdownCtx)
	}()

	name := opts.target
	if def != nil {
		if err := c.AddDefinition(def); err != nil {
			return shared.NewInvalidPipelineError("invalid pipeline "+opts.file, err)
		}
		name = def.Name
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	if err := c.Start(cmd.Context()); err != nil {
		return err
	}

	id, err := c.TriggerPipeline(ctx, name, opts.inputs, "cli")
	if err != nil {
		return shared.NewConfigError("failed to start run", err)
	}

	r, err := c.WaitForRun(ctx, id)
	if err != nil {
		r, err = cancelAndWait(c, id)
		if err != nil {
			return err
		}
	}

	return report(cmd, r)
}

// cancelAndWait cancels a run after an interrupt or timeout and waits for
// it to stop at the next task boundary.
func cancelAndWait(c *controller.Controller, id string) (*run.Run, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if err := c.Cancel(ctx, id); err != nil {
		// Runs that are mid-fix cannot be cancelled; wait for them instead.
		slog.Debug("cancel refused", slog.String("run_id", id), slog.Any("error", err))
	}
	r, err := c.WaitForRun(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, shared.NewRunFailedError("run " + id + " did not stop after cancellation")
	}
	return r, err
}

// runResult is the JSON output of a finished run.
type runResult struct {
	shared.JSONResponse
	Run *run.Run `json:"run"`
}

func report(cmd *cobra.Command, r *run.Run) error {
	succeeded := r.State == run.StateSucceeded
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, runResult{
			JSONResponse: shared.NewJSONResponse("run", succeeded),
			Run:          r,
		}); err != nil {
			return err
		}
	} else {
		shared.RenderRun(out, r, time.Now())
	}

	if !succeeded {
		// The report is already printed.
		return &shared.ExitError{Code: shared.ExitRunFailed}
	}
	return nil
}

func versionString() string {
	v, _, _ := shared.GetVersion()
	return v
}
