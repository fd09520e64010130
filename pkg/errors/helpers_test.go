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

package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	autofixerrors "github.com/tombee/autofix/pkg/errors"
)

func TestForwarders(t *testing.T) {
	base := autofixerrors.New("boom")
	wrapped := fmt.Errorf("saving run: %w", base)

	if !autofixerrors.Is(wrapped, base) {
		t.Error("Is() should find the wrapped error")
	}

	nf := &autofixerrors.NotFoundError{Resource: "run", ID: "r1"}
	var target *autofixerrors.NotFoundError
	if !autofixerrors.As(fmt.Errorf("lookup: %w", nf), &target) || target.ID != "r1" {
		t.Errorf("As() = %v, want run r1", target)
	}

	joined := autofixerrors.Join(base, nil, context.Canceled)
	if !errors.Is(joined, context.Canceled) || !errors.Is(joined, base) {
		t.Errorf("Join() lost an error: %v", joined)
	}
	if autofixerrors.Join(nil, nil) != nil {
		t.Error("Join() of nils should be nil")
	}
}

func TestType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("x"), ""},
		{"validation", &autofixerrors.ValidationError{Message: "bad"}, "validation"},
		{"wrapped fixer", fmt.Errorf("attempt 2: %w", &autofixerrors.FixerError{Reason: "timeout"}), "fixer"},
		{"outermost wins", &autofixerrors.ConfigError{Key: "pipeline", Cause: &autofixerrors.NotFoundError{}}, "configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := autofixerrors.Type(tt.err); got != tt.want {
				t.Errorf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"no hint", errors.New("x"), ""},
		{
			name: "validation suggestion",
			err:  &autofixerrors.ValidationError{Message: "dup", Suggestion: "rename it"},
			want: "rename it",
		},
		{
			name: "wrapped config error",
			err:  fmt.Errorf("loading: %w", &autofixerrors.ConfigError{Key: "server.addr", Reason: "empty"}),
			want: "run 'autofix config validate' to check the configuration",
		},
		{
			name: "empty hint falls through to cause",
			err:  &autofixerrors.ConfigError{Reason: "unreadable", Cause: &autofixerrors.NotFoundError{Resource: "pipeline", ID: "build"}},
			want: "run 'autofix pipelines' to list loaded pipelines",
		},
		{
			name: "joined",
			err:  errors.Join(errors.New("first"), &autofixerrors.ValidationError{Suggestion: "fix stages"}),
			want: "fix stages",
		},
		{
			name: "unknown resource",
			err:  &autofixerrors.NotFoundError{Resource: "action", ID: "lint"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := autofixerrors.Hint(tt.err); got != tt.want {
				t.Errorf("Hint() = %q, want %q", got, tt.want)
			}
		})
	}
}
