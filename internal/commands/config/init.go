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

package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/config"
)

// Replaced in tests.
var nonInteractive = shared.IsNonInteractive

// confirmOverwrite asks before replacing an existing file.
var confirmOverwrite = func(path string) (bool, error) {
	var overwrite bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Overwrite existing configuration?").
				Description(path + " already exists.").
				Affirmative("Yes, overwrite").
				Negative("No, keep it").
				Value(&overwrite),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}
	return overwrite, nil
}

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use: "init",
		Annotations: map[string]string{
			"group": "system",
		},
		Short: "Write a starter configuration file",
		Long: `Write the default configuration to the config file location
(~/.config/autofix/config.yaml unless --output or --config is given).

An existing file is only replaced after confirmation, or with --force.`,
		Example: `  # Write the default config
  autofix init

  # Write it next to a project
  autofix init --output ./autofix.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := output
			if path == "" {
				path = shared.GetConfigPath()
			}
			if path == "" {
				var err error
				path, err = config.ConfigPath()
				if err != nil {
					return shared.NewConfigError("failed to determine config path", err)
				}
			}
			return runInit(cmd, path, force)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Where to write the config file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file without asking")

	return cmd
}

func runInit(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		if nonInteractive() || shared.GetJSON() {
			return shared.NewConfigError(path+" already exists (use --force to overwrite)", nil)
		}
		ok, err := confirmOverwrite(path)
		if err != nil {
			return fmt.Errorf("failed to prompt for confirmation: %w", err)
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Keeping existing configuration.")
			return nil
		}
	}

	if err := config.WriteDefault(path); err != nil {
		return shared.NewConfigError("failed to write config", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Path string `json:"path"`
		}{shared.NewJSONResponse("init", true), path})
	}
	fmt.Fprintln(out, shared.RenderOK("wrote "+path))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set fixer.command to the program that proposes fixes")
	fmt.Fprintln(out, "  2. Add pipeline definitions under pipelines.dir")
	fmt.Fprintln(out, "  3. Run 'autofix validate <file>' and 'autofix run <pipeline>'")
	return nil
}
