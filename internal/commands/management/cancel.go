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

package management

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use: "cancel <run-id>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Cancel a queued or running run",
		Long: `Request cancellation of a run. Queued runs are cancelled immediately;
running runs stop before their next task.

Runs that are being fixed, or are already finished, cannot be cancelled.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			client := shared.NewClient(shared.GetServer())
			if err := client.Cancel(cmd.Context(), id); err != nil {
				var apiErr *shared.APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
					return shared.NewRunFailedError(fmt.Sprintf("run %s cannot be cancelled: %s", id, apiErr.Message))
				}
				return apiError("failed to cancel run "+id, err)
			}

			// Report the state after the request.
			resp, err := client.Run(cmd.Context(), id)
			if err != nil {
				return apiError("failed to get run "+id, err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					RunID string `json:"run_id"`
					State string `json:"state"`
				}{shared.NewJSONResponse("cancel", true), id, string(stateOf(resp))})
			}
			fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("cancellation requested for %s (%s)", id, shared.RenderState(stateOf(resp)))))
			return nil
		},
	}
}
