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

// Package diagnostics implements "autofix doctor" and "autofix health".
package diagnostics

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/config"
	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/catalog"
)

// DoctorResult contains the local health check results
type DoctorResult struct {
	shared.JSONResponse
	ConfigPath      string   `json:"config_path"`
	ConfigExists    bool     `json:"config_exists"`
	ConfigValid     bool     `json:"config_valid"`
	ConfigError     string   `json:"config_error,omitempty"`
	PipelinesDir    string   `json:"pipelines_dir,omitempty"`
	Pipelines       []string `json:"pipelines"`
	PipelineErrors  []string `json:"pipeline_errors,omitempty"`
	Fixer           *Program `json:"fixer,omitempty"`
	Applier         *Program `json:"applier,omitempty"`
	Recommendations []string `json:"recommendations"`
	OverallHealthy  bool     `json:"overall_healthy"`
}

// Program is an external command autofix depends on.
type Program struct {
	Command string `json:"command"`
	Path    string `json:"path,omitempty"`
	Found   bool   `json:"found"`
}

// NewDoctorCommand creates the doctor command
func NewDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "doctor",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Check the local setup",
		Long: `Check the local autofix setup without running anything.

This command checks:
  - Config file exists and is valid
  - Pipeline definitions load and validate
  - Fixer and applier programs are installed

Provides actionable recommendations for fixing any issues found.

See also: autofix health, autofix config validate`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDoctor,
	}

	return cmd
}

func runDoctor(cmd *cobra.Command, args []string) error {
	result := diagnose()
	result.JSONResponse = shared.NewJSONResponse("doctor", result.OverallHealthy)

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		outputDoctorText(cmd.OutOrStdout(), result)
	}

	if !result.OverallHealthy {
		return &shared.ExitError{Code: shared.ExitConfigError}
	}
	return nil
}

func diagnose() DoctorResult {
	result := DoctorResult{
		Pipelines:       []string{},
		Recommendations: []string{},
		OverallHealthy:  true,
	}
	fail := func(rec string) {
		result.OverallHealthy = false
		if rec != "" {
			result.Recommendations = append(result.Recommendations, rec)
		}
	}

	// Step 1: config file
	result.ConfigPath = shared.ResolveConfigPath()
	if result.ConfigPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			result.ConfigPath = p
		}
		result.Recommendations = append(result.Recommendations,
			"No configuration file found; using built-in defaults. Run 'autofix init' to create one.")
	} else if _, err := os.Stat(result.ConfigPath); err == nil {
		result.ConfigExists = true
	} else {
		result.ConfigError = err.Error()
		fail("Check the --config path or AUTOFIX_CONFIG.")
		return result
	}

	path := ""
	if result.ConfigExists {
		path = result.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		result.ConfigError = err.Error()
		fail("Fix the configuration errors or run 'autofix init --force' to recreate the config.")
		return result
	}
	result.ConfigValid = true

	// Step 2: pipeline definitions
	result.PipelinesDir = cfg.Pipelines.Dir
	if info, err := os.Stat(cfg.Pipelines.Dir); err != nil || !info.IsDir() {
		fail(fmt.Sprintf("Pipelines directory %s does not exist. Create it or set pipelines.dir.", cfg.Pipelines.Dir))
	} else {
		registry := capability.NewRegistry()
		if err := capability.RegisterBuiltins(registry, capability.BuiltinConfig{}); err != nil {
			fail(err.Error())
			return result
		}
		cat := catalog.New(catalog.Config{Actions: registry})
		_, res, err := cat.LoadDir(cfg.Pipelines.Dir, cfg.Pipelines.Pattern)
		switch {
		case err != nil:
			fail(err.Error())
		default:
			result.Pipelines = append(result.Pipelines, res.Loaded...)
			for _, fe := range res.Errors {
				result.PipelineErrors = append(result.PipelineErrors, fe.Error())
			}
			if len(res.Errors) > 0 {
				fail("Run 'autofix validate' on the failing files for details.")
			}
			if len(res.Loaded) == 0 && len(res.Errors) == 0 {
				result.Recommendations = append(result.Recommendations,
					fmt.Sprintf("No pipeline definitions found in %s.", cfg.Pipelines.Dir))
			}
		}
	}

	// Step 3: fixer and applier programs
	if cfg.Orchestrator.AutoFixEnabled {
		if len(cfg.Fixer.Command) == 0 {
			result.Recommendations = append(result.Recommendations,
				"Automated fixes are enabled but fixer.command is not set; failed runs will escalate.")
		} else {
			result.Fixer = lookProgram(cfg.Fixer.Command[0], cfg.Fixer.Dir)
			if !result.Fixer.Found {
				fail(fmt.Sprintf("Fixer program %q was not found.", cfg.Fixer.Command[0]))
			}
		}
		if len(cfg.Applier.Command) > 0 {
			result.Applier = lookProgram(cfg.Applier.Command[0], cfg.Applier.Dir)
			if !result.Applier.Found {
				fail(fmt.Sprintf("Applier program %q was not found.", cfg.Applier.Command[0]))
			}
		}
	}

	return result
}

// lookProgram resolves a command the way os/exec will run it. Relative
// paths are resolved against dir.
func lookProgram(command, dir string) *Program {
	p := &Program{Command: command}
	if filepath.Base(command) != command && !filepath.IsAbs(command) && dir != "" {
		command = filepath.Join(dir, command)
	}
	path, err := exec.LookPath(command)
	if err == nil {
		p.Path = path
		p.Found = true
	}
	return p
}

func outputDoctorText(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, shared.Header.Render("autofix doctor"))
	fmt.Fprintln(w)

	switch {
	case result.ConfigValid && result.ConfigExists:
		fmt.Fprintln(w, shared.RenderOK("config: "+result.ConfigPath))
	case result.ConfigValid:
		fmt.Fprintln(w, shared.RenderWarn("config: built-in defaults"))
	default:
		fmt.Fprintln(w, shared.RenderError("config: "+result.ConfigError))
	}

	if result.PipelinesDir != "" {
		label := fmt.Sprintf("pipelines: %d loaded from %s", len(result.Pipelines), result.PipelinesDir)
		if len(result.PipelineErrors) > 0 {
			fmt.Fprintln(w, shared.RenderError(label))
			for _, e := range result.PipelineErrors {
				fmt.Fprintf(w, "    %s\n", e)
			}
		} else {
			fmt.Fprintln(w, shared.RenderOK(label))
		}
	}

	programs := []struct {
		name string
		p    *Program
	}{{"fixer", result.Fixer}, {"applier", result.Applier}}
	for _, prog := range programs {
		name, p := prog.name, prog.p
		if p == nil {
			continue
		}
		if p.Found {
			fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("%s: %s", name, p.Path)))
		} else {
			fmt.Fprintln(w, shared.RenderError(fmt.Sprintf("%s: %s not found", name, p.Command)))
		}
	}

	if len(result.Recommendations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, shared.Bold.Render("Recommendations:"))
		for _, r := range result.Recommendations {
			fmt.Fprintf(w, "  %s %s\n", shared.SymbolInfo, r)
		}
	}
}
