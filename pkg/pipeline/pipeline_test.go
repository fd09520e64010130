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

package pipeline

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/autofix/pkg/errors"
)

const buildYAML = `
name: build
version: 1.0
description: compile and package
on_failure:
  action: fix
  max_retries: 2
stages:
  - name: checkout
    tasks:
      - name: clone
        action: shell
        config:
          command: git clone --depth 1 https://example.com/repo.git .
  - name: dependencies
    tasks:
      - name: install
        action: shell
        timeout: 10m
        config:
          command: npm ci
  - name: checks
    parallel: true
    max_concurrency: 2
    condition: tasks.install.outcome == "success"
    on_failure:
      action: escalate
    tasks:
      - name: lint
        action: shell
      - name: unit
        action: shell
`

type actions map[string]bool

func (a actions) Has(name string) bool { return a[name] }

func TestParse(t *testing.T) {
	def, err := Parse([]byte(buildYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if def.Name != "build" || def.Version != "1.0" {
		t.Errorf("unexpected name/version: %q %q", def.Name, def.Version)
	}
	if len(def.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(def.Stages))
	}
	if got := def.Stages[1].Tasks[0].Timeout; got != 10*time.Minute {
		t.Errorf("install timeout = %v, want 10m", got)
	}
	if got := def.Stages[0].Tasks[0].Config["command"]; !strings.HasPrefix(got.(string), "git clone") {
		t.Errorf("unexpected config: %v", got)
	}
	checks := def.Stages[2]
	if !checks.Parallel || checks.MaxConcurrency != 2 {
		t.Errorf("checks stage not parsed as parallel: %+v", checks)
	}
	if err := def.Validate(ValidateOptions{Actions: actions{"shell": true}}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if got := def.TaskNames(); strings.Join(got, ",") != "clone,install,lint,unit" {
		t.Errorf("TaskNames() = %v", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("stages: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.yaml")
	if err := os.WriteFile(path, []byte(buildYAML), 0644); err != nil {
		t.Fatal(err)
	}

	def, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.Source != path {
		t.Errorf("Source = %q, want %q", def.Source, path)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	retries := -1

	tests := []struct {
		name   string
		def    Definition
		fields []string
	}{
		{
			name:   "missing name and stages",
			def:    Definition{},
			fields: []string{"name", "stages"},
		},
		{
			name: "duplicate stage and task names",
			def: Definition{
				Name: "p",
				Stages: []Stage{
					{Name: "a", Tasks: []Task{{Name: "t", Action: "noop"}}},
					{Name: "a", Tasks: []Task{{Name: "t", Action: "noop"}}},
				},
			},
			fields: []string{"stages[1].name", "stages[1].tasks[0].name"},
		},
		{
			name: "unknown action and empty stage",
			def: Definition{
				Name: "p",
				Stages: []Stage{
					{Name: "a", Tasks: []Task{{Name: "t", Action: "teleport"}}},
					{Name: "b"},
				},
			},
			fields: []string{"stages[0].tasks[0].action", "stages[1].tasks"},
		},
		{
			name: "bad policy",
			def: Definition{
				Name:      "p",
				OnFailure: &FailurePolicy{Action: "retry", MaxRetries: &retries},
				Stages:    []Stage{{Name: "a", Tasks: []Task{{Name: "t", Action: "noop"}}}},
			},
			fields: []string{"on_failure.action", "on_failure.max_retries"},
		},
		{
			name: "condition errors",
			def: Definition{
				Name: "p",
				Stages: []Stage{
					{Name: "a", Condition: `tasks.later.outcome == "success"`, Tasks: []Task{{Name: "t", Action: "noop"}}},
					{Name: "b", Condition: `==`, Tasks: []Task{{Name: "later", Action: "noop"}}},
				},
			},
			fields: []string{"stages[0].condition", "stages[1].condition"},
		},
		{
			name: "max concurrency on sequential stage",
			def: Definition{
				Name:   "p",
				Stages: []Stage{{Name: "a", MaxConcurrency: 2, Tasks: []Task{{Name: "t", Action: "noop"}}}},
			},
			fields: []string{"stages[0].max_concurrency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate(ValidateOptions{Actions: actions{"noop": true}})
			if err == nil {
				t.Fatal("expected validation error")
			}

			got := map[string]bool{}
			for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
				var ve *errors.ValidationError
				if !stderrors.As(e, &ve) {
					t.Fatalf("expected ValidationError, got %T", e)
				}
				got[ve.Field] = true
			}
			for _, f := range tt.fields {
				if !got[f] {
					t.Errorf("missing error for field %s; got %v", f, got)
				}
			}
		})
	}
}

func TestEffectivePolicy(t *testing.T) {
	def, err := Parse([]byte(buildYAML))
	if err != nil {
		t.Fatal(err)
	}
	defaults := Policy{AutoFix: true, MaxRetries: 3}

	tests := []struct {
		stage string
		want  Policy
	}{
		{"dependencies", Policy{AutoFix: true, MaxRetries: 2}},
		{"checks", Policy{AutoFix: false, MaxRetries: 2}},
		{"unknown", Policy{AutoFix: true, MaxRetries: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			if got := def.EffectivePolicy(tt.stage, defaults); got != tt.want {
				t.Errorf("EffectivePolicy(%q) = %+v, want %+v", tt.stage, got, tt.want)
			}
		})
	}

	off := Policy{AutoFix: false, MaxRetries: 3}
	if got := def.EffectivePolicy("dependencies", off); got.AutoFix {
		t.Error("fix policy must not enable auto-fix when globally disabled")
	}
}
