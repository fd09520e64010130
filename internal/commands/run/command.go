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

// Package run implements "autofix run".
package run

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/completion"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		inputs    = newInputsFlag()
		inputFile string
		noFix     bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline|file>",
		Short: "Run a pipeline and wait for the result",
		Long: `Run a pipeline and wait until it reaches a terminal state.

The argument is either the name of a pipeline in the configured pipelines
directory or the path to a definition file. Failed runs are handed to the
configured fixer unless --no-fix is given.

Without --server the pipeline runs in this process. With --server (or
AUTOFIX_SERVER) the run is triggered on a running "autofix serve" and
polled until it finishes.

Exit codes:
  0  run succeeded
  1  run failed, escalated or was cancelled
  2  definition file is invalid
  3  configuration error
  4  server error`,
		Example: `  # Run a pipeline from the pipelines directory
  autofix run build

  # Run a definition file with inputs
  autofix run ./ci.yaml --set branch=main --set retries=2

  # Report failures without attempting fixes
  autofix run build --no-fix`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompletePipelinesAndFiles,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var fileInputs map[string]any
			if inputFile != "" {
				var err error
				fileInputs, err = loadInputFile(inputFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			opts := runOptions{
				target:  args[0],
				inputs:  mergeInputs(fileInputs, inputs.values),
				noFix:   noFix,
				timeout: timeout,
			}
			if isDefinitionFile(opts.target) {
				opts.file = opts.target
			}
			return execute(cmd, opts)
		},
	}

	cmd.Flags().Var(inputs, "set", "Set a pipeline input (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Read inputs from a JSON file (- for stdin)")
	cmd.Flags().BoolVar(&noFix, "no-fix", false, "Disable automated fixes for this run")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long (0 for no limit)")

	return cmd
}

type runOptions struct {
	target  string
	file    string
	inputs  map[string]any
	noFix   bool
	timeout time.Duration
}

// isDefinitionFile reports whether target names an existing YAML file
// rather than a pipeline.
func isDefinitionFile(target string) bool {
	ext := strings.ToLower(filepath.Ext(target))
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	info, err := os.Stat(target)
	return err == nil && info.Mode().IsRegular()
}

func execute(cmd *cobra.Command, opts runOptions) error {
	if remoteMode() {
		if opts.file != "" {
			return fmt.Errorf("definition files cannot be run with --server; add %s to the server's pipelines directory", opts.target)
		}
		return runRemote(cmd, opts)
	}
	return runLocal(cmd, opts)
}
