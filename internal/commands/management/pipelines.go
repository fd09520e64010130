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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
)

// NewPipelinesCommand creates the pipelines command.
func NewPipelinesCommand() *cobra.Command {
	return &cobra.Command{
		Use: "pipelines",
		Annotations: map[string]string{
			"group": "management",
		},
		Short:         "List the pipelines loaded by the server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := shared.NewClient(shared.GetServer())
			pipelines, err := client.Pipelines(cmd.Context())
			if err != nil {
				return apiError("failed to list pipelines", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, struct {
					shared.JSONResponse
					Pipelines []api.PipelineResponse `json:"pipelines"`
				}{shared.NewJSONResponse("pipelines", true), pipelines})
			}

			if len(pipelines) == 0 {
				fmt.Fprintln(out, "No pipelines loaded.")
				return nil
			}
			for _, p := range pipelines {
				name := shared.Bold.Render(p.Name)
				if !p.Enabled {
					name += " " + shared.Muted.Render("(disabled)")
				}
				fmt.Fprintln(out, name)
				if p.Description != "" {
					fmt.Fprintf(out, "  %s\n", p.Description)
				}
				fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("stages:"), strings.Join(p.Stages, " → "))
			}
			return nil
		},
	}
}
