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
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/config"
	pkgerrors "github.com/tombee/autofix/pkg/errors"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	shared.JSONResponse
	Path     string   `json:"path,omitempty"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file.

Checks performed:
  - YAML syntax and structure
  - Value ranges and enumerations
  - Webhook routes name a pipeline and a known source

Warnings flag settings that are legal but probably unintended. With
--strict, warnings are treated as errors.`,
		Example: `  # Validate configuration
  autofix config validate

  # Validate with warnings as errors
  autofix config validate --strict --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, strict bool) error {
	path := shared.ResolveConfigPath()
	result := ValidationResult{Path: path, Valid: true}

	cfg, err := config.Load(path)
	if err != nil {
		result.Valid = false
		result.Errors = flatten(err)
	} else {
		result.Warnings = warnings(cfg)
		if strict && len(result.Warnings) > 0 {
			result.Valid = false
		}
	}
	result.JSONResponse = shared.NewJSONResponse("config validate", result.Valid)

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, result); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			fmt.Fprintln(out, shared.RenderError(e))
		}
		for _, w := range result.Warnings {
			fmt.Fprintln(out, shared.RenderWarn(w))
		}
		if result.Valid {
			fmt.Fprintln(out, shared.RenderOK("configuration is valid"))
		}
	}

	if !result.Valid {
		return &shared.ExitError{Code: shared.ExitConfigError}
	}
	return nil
}

// flatten lists every problem in a load error.
func flatten(err error) []string {
	if !errors.Is(err, config.ErrInvalidConfig) {
		return []string{err.Error()}
	}
	var cfgErr *pkgerrors.ConfigError
	cause := err
	if errors.As(err, &cfgErr) && cfgErr.Cause != nil {
		cause = cfgErr.Cause
	}
	parts := strings.Split(cause.Error(), "\n  - ")
	if len(parts) < 2 {
		return []string{cause.Error()}
	}
	return parts[1:]
}

func warnings(cfg *config.Config) []string {
	var out []string
	if !cfg.Server.Auth.Enabled && len(cfg.Webhooks.Routes) > 0 {
		out = append(out, "API authentication is disabled while webhooks are configured")
	}
	for i, r := range cfg.Webhooks.Routes {
		if r.Secret == "" {
			out = append(out, fmt.Sprintf("webhooks.routes[%d].secret is empty; signatures are not verified", i))
		}
	}
	if cfg.Orchestrator.AutoFixEnabled && len(cfg.Fixer.Command) == 0 {
		out = append(out, "orchestrator.auto_fix_enabled is set but fixer.command is empty")
	}
	return out
}
