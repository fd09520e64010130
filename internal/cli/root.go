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

package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/log"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autofix",
		Short: "autofix - pipeline runner that repairs its own failures",
		Long: `autofix runs declarative build pipelines. When a stage fails it hands
the failure to a fixer, applies the proposed fix and re-runs the pipeline,
escalating to a human once the retry budget is spent.

Run 'autofix init' to write a starter configuration.
Run 'autofix run <pipeline>' to execute a pipeline locally.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := log.FromEnv()
			if shared.GetVerbose() {
				cfg.Level = "debug"
			} else if os.Getenv("AUTOFIX_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" && os.Getenv("AUTOFIX_DEBUG") == "" {
				cfg.Level = "warn"
			}
			if os.Getenv("LOG_FORMAT") == "" {
				cfg.Format = log.FormatText
			}
			slog.SetDefault(log.New(cfg))
		},
	}

	verbose, json, config, server := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/autofix/config.yaml)")
	cmd.PersistentFlags().StringVar(server, "server", "", "autofix API address (default: $AUTOFIX_SERVER or "+shared.DefaultServer+")")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
