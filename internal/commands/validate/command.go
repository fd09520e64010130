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

// Package validate implements "autofix validate".
package validate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/autofix/internal/commands/completion"
	"github.com/tombee/autofix/internal/commands/shared"
	"github.com/tombee/autofix/internal/controller/capability"
	pkgerrors "github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
	"github.com/tombee/autofix/pkg/pipeline/expression"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate pipeline definition files",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that each file is well-formed YAML and a valid pipeline
definition: names are present and unique, every task uses a builtin action,
conditions compile and failure policies are well-formed.

Nothing is executed.

See also: autofix run`,
		Example: `  # Validate one file
  autofix validate pipelines/build.yaml

  # Validate a whole directory with JSON output
  autofix validate pipelines/*.yaml --json`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.CompletePipelineFiles,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE:              runValidate,
	}

	return cmd
}

// fileResult is the outcome for one file.
type fileResult struct {
	File     string             `json:"file"`
	Valid    bool               `json:"valid"`
	Pipeline string             `json:"pipeline,omitempty"`
	Stages   int                `json:"stages,omitempty"`
	Tasks    int                `json:"tasks,omitempty"`
	Errors   []shared.JSONError `json:"errors,omitempty"`
}

type validateResponse struct {
	shared.JSONResponse
	Files []fileResult `json:"files"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry, capability.BuiltinConfig{}); err != nil {
		return err
	}
	opts := pipeline.ValidateOptions{Actions: registry, Evaluator: expression.New()}

	results := make([]fileResult, 0, len(args))
	invalid := 0
	for _, path := range args {
		res := validateFile(path, opts)
		if !res.Valid {
			invalid++
		}
		results = append(results, res)
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), validateResponse{
			JSONResponse: shared.NewJSONResponse("validate", invalid == 0),
			Files:        results,
		}); err != nil {
			return err
		}
	} else {
		printResults(cmd.OutOrStdout(), cmd.ErrOrStderr(), results)
	}

	if invalid > 0 {
		if shared.GetJSON() {
			return &shared.ExitError{Code: shared.ExitInvalidPipeline}
		}
		return &shared.ExitError{
			Code:    shared.ExitInvalidPipeline,
			Message: fmt.Sprintf("%d of %d files invalid", invalid, len(results)),
		}
	}
	return nil
}

func validateFile(path string, opts pipeline.ValidateOptions) fileResult {
	res := fileResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Errors = []shared.JSONError{{
			Code:       shared.ErrorCodeFileNotFound,
			Message:    fmt.Sprintf("failed to read file: %v", err),
			File:       path,
			Suggestion: "Check that the file path is correct and the file exists",
		}}
		return res
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		msg := fmt.Sprintf("YAML syntax error: %v", err)
		if line := yamlErrorLine(err); line > 0 {
			msg = fmt.Sprintf("line %d: %s", line, msg)
		}
		res.Errors = []shared.JSONError{{
			Code:       shared.ErrorCodeInvalidYAML,
			Message:    msg,
			File:       path,
			Suggestion: "Check YAML syntax and indentation",
		}}
		return res
	}

	def, err := pipeline.Parse(data)
	if err != nil {
		res.Errors = []shared.JSONError{{
			Code:       shared.ErrorCodeInvalidYAML,
			Message:    err.Error(),
			File:       path,
			Suggestion: "Check field types against the pipeline format",
		}}
		return res
	}
	res.Pipeline = def.Name
	res.Stages = len(def.Stages)
	for _, s := range def.Stages {
		res.Tasks += len(s.Tasks)
	}

	if err := def.Validate(opts); err != nil {
		res.Errors = validationErrors(path, err)
		return res
	}

	res.Valid = true
	return res
}

// validationErrors flattens the joined error returned by Validate.
func validationErrors(path string, err error) []shared.JSONError {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	out := make([]shared.JSONError, 0, len(errs))
	for _, e := range errs {
		je := shared.JSONError{Code: shared.ErrorCodeInvalidPipeline, Message: e.Error(), File: path}
		var ve *pkgerrors.ValidationError
		if errors.As(e, &ve) {
			je.Message = ve.Message
			je.Field = ve.Field
			je.Suggestion = ve.Suggestion
		}
		out = append(out, je)
	}
	return out
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// yamlErrorLine extracts the line number from a yaml.v3 error, or 0.
func yamlErrorLine(err error) int {
	m := yamlLineRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func printResults(stdout, stderr io.Writer, results []fileResult) {
	for _, r := range results {
		if r.Valid {
			fmt.Fprintln(stdout, shared.RenderOK(fmt.Sprintf("%s: %s (%d stages, %d tasks)", r.File, r.Pipeline, r.Stages, r.Tasks)))
			continue
		}
		fmt.Fprintln(stderr, shared.RenderError(r.File))
		for _, e := range r.Errors {
			if e.Field != "" {
				fmt.Fprintf(stderr, "  %s: %s\n", e.Field, e.Message)
			} else {
				fmt.Fprintf(stderr, "  %s\n", e.Message)
			}
			if e.Suggestion != "" {
				fmt.Fprintf(stderr, "    Suggestion: %s\n", e.Suggestion)
			}
		}
	}
}
