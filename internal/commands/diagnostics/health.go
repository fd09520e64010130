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

package diagnostics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/internal/controller/health"
)

// healthTimeout bounds the request to the server.
const healthTimeout = 10 * time.Second

// NewHealthCommand creates the health command
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "health",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Show the health of a running server",
		Long: `Query the health endpoint of a running "autofix serve" and show the
status of each component: scheduler, store, catalog and fixer.

Exits non-zero when the server is unreachable or not healthy.

See also: autofix doctor`,
		Example: `  # Check the default server
  autofix health

  # Use in scripts
  autofix health --json | jq -e '.status == "healthy"'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	server := shared.GetServer()
	resp, err := shared.NewClient(server).Health(ctx)
	if err != nil {
		return shared.NewServerError("failed to reach "+server, err)
	}

	healthy := resp.Status == health.StatusHealthy && !resp.Draining
	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			*api.HealthResponse
		}{shared.NewJSONResponse("health", healthy), resp}); err != nil {
			return err
		}
	} else {
		outputHealthText(cmd.OutOrStdout(), server, resp)
	}

	if !healthy {
		return &shared.ExitError{Code: shared.ExitServerError}
	}
	return nil
}

func outputHealthText(w io.Writer, server string, resp *api.HealthResponse) {
	status := resp.Status
	if resp.Draining {
		status += ", draining"
	}
	line := fmt.Sprintf("%s: %s (up %s)", server, status, resp.Uptime)
	if resp.Status == health.StatusHealthy && !resp.Draining {
		fmt.Fprintln(w, shared.RenderOK(line))
	} else {
		fmt.Fprintln(w, shared.RenderError(line))
	}

	names := make([]string, 0, len(resp.Components))
	for name := range resp.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := resp.Components[name]
		text := fmt.Sprintf("%-10s %s", name, c.Status)
		if c.Error != "" {
			text += ": " + c.Error
		}
		if c.Status == health.StatusHealthy {
			fmt.Fprintf(w, "  %s\n", shared.RenderOK(text))
		} else {
			fmt.Fprintf(w, "  %s\n", shared.RenderError(text))
		}
	}
}
