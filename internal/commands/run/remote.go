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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/internal/controller/run"
)

// pollInterval is how often a remote run is polled.
var pollInterval = 500 * time.Millisecond

// runRemote triggers the run on a server and polls until it finishes.
func runRemote(cmd *cobra.Command, opts runOptions) error {
	client := shared.NewClient(shared.GetServer())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	triggered, err := client.Trigger(ctx, opts.target, opts.inputs)
	if err != nil {
		return shared.NewServerError("failed to trigger "+opts.target, err)
	}

	resp, err := poll(ctx, client, triggered.RunID)
	if err != nil {
		if ctx.Err() == nil {
			return shared.NewServerError("failed to fetch run "+triggered.RunID, err)
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		if cerr := client.Cancel(cancelCtx, triggered.RunID); cerr != nil {
			var apiErr *shared.APIError
			if !errors.As(cerr, &apiErr) || apiErr.Status != 409 {
				return shared.NewServerError("failed to cancel run "+triggered.RunID, cerr)
			}
		}
		resp, err = poll(cancelCtx, client, triggered.RunID)
		if err != nil {
			return shared.NewServerError("failed to fetch run "+triggered.RunID, err)
		}
	}

	return reportRemote(cmd, resp)
}

func poll(ctx context.Context, client *shared.Client, id string) (*api.RunResponse, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		resp, err := client.Run(ctx, id)
		if err != nil {
			return nil, err
		}
		if responseState(resp).IsTerminal() {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func responseState(resp *api.RunResponse) run.State {
	switch {
	case resp.Run != nil:
		return resp.Run.State
	case resp.Summary != nil:
		return resp.Summary.State
	}
	return ""
}

func reportRemote(cmd *cobra.Command, resp *api.RunResponse) error {
	if resp.Run != nil {
		return report(cmd, resp.Run)
	}
	if resp.Summary == nil {
		return shared.NewServerError("server returned an empty run", nil)
	}

	succeeded := resp.Summary.State == run.StateSucceeded
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, struct {
			shared.JSONResponse
			*api.RunResponse
		}{shared.NewJSONResponse("run", succeeded), resp}); err != nil {
			return err
		}
	} else {
		shared.RenderSummary(out, resp.Summary, resp.FixAttempts)
	}
	if !succeeded {
		return &shared.ExitError{Code: shared.ExitRunFailed}
	}
	return nil
}
