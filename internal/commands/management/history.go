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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/completion"
	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use: "history <pipeline>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "List recent runs of a pipeline",
		Long: `List the most recent runs of a pipeline, newest first.

See also: autofix status, autofix run`,
		Example: `  # Last 50 runs
  autofix history build

  # Escalated runs as JSON
  autofix history build --json | jq '.runs[] | select(.state=="ESCALATED")'`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompletePipelineNames,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := shared.NewClient(shared.GetServer())
			resp, err := client.History(cmd.Context(), args[0], limit)
			if err != nil {
				return apiError("failed to get history for "+args[0], err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					*api.HistoryResponse
				}{shared.NewJSONResponse("history", true), resp})
			}
			shared.RenderHistory(out, resp.Pipeline, resp.Runs, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of runs to show")

	return cmd
}
