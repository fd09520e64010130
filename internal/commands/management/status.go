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

// Package management implements the commands that inspect and control runs
// on a running "autofix serve": status, history and cancel.
package management

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/internal/controller/run"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use: "status <run-id>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Show the state of a run",
		Long: `Show the state, stage results and fix attempts of a run.

Runs that have been evicted from memory are shown from their persisted
summary.

See also: autofix history, autofix cancel`,
		Example: `  # Show a run
  autofix status 3f2a9c1e-...

  # Extract the state
  autofix status 3f2a9c1e-... --json | jq -r '.run.state // .summary.state'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := shared.NewClient(shared.GetServer())
			resp, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return apiError("failed to get run "+args[0], err)
			}
			return printStatus(cmd, resp)
		},
	}
}

type statusResult struct {
	shared.JSONResponse
	*api.RunResponse
}

func printStatus(cmd *cobra.Command, resp *api.RunResponse) error {
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, statusResult{
			JSONResponse: shared.NewJSONResponse("status", true),
			RunResponse:  resp,
		})
	}

	switch {
	case resp.Run != nil:
		shared.RenderRun(out, resp.Run, time.Now())
	case resp.Summary != nil:
		shared.RenderSummary(out, resp.Summary, resp.FixAttempts)
	}
	return nil
}

// apiError maps client errors onto exit codes. Unknown ids are reported
// without the HTTP noise.
func apiError(msg string, err error) error {
	var apiErr *shared.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return shared.NewServerError(msg, notFound{apiErr})
	}
	return shared.NewServerError(msg, err)
}

// notFound prints only the server's message; the hint is kept.
type notFound struct{ *shared.APIError }

func (e notFound) Error() string { return e.Message }

// stateOf returns the state of a live or evicted run.
func stateOf(resp *api.RunResponse) run.State {
	if resp.Run != nil {
		return resp.Run.State
	}
	if resp.Summary != nil {
		return resp.Summary.State
	}
	return ""
}
