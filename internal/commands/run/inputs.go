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

package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// inputsFlag collects repeated --set key=value flags. Values are decoded as
// YAML scalars, so numbers and booleans keep their type.
type inputsFlag struct {
	values map[string]any
}

var _ pflag.Value = (*inputsFlag)(nil)

func newInputsFlag() *inputsFlag {
	return &inputsFlag{values: make(map[string]any)}
}

func (f *inputsFlag) String() string {
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, f.values[k])
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (f *inputsFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("invalid input format %q (expected key=value)", s)
	}
	f.values[key] = parseScalar(raw)
	return nil
}

func (f *inputsFlag) Type() string { return "key=value" }

func parseScalar(raw string) any {
	if raw == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case string, bool, int, float64:
		return v
	default:
		// Lists, maps and nulls stay literal strings.
		return raw
	}
}

// loadInputFile loads inputs from a JSON file or stdin
func loadInputFile(path string, stdin io.Reader) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}
	return inputs, nil
}

// mergeInputs overlays --set values on the input file.
func mergeInputs(file map[string]any, set map[string]any) map[string]any {
	if len(file) == 0 && len(set) == 0 {
		return nil
	}
	out := make(map[string]any, len(file)+len(set))
	for k, v := range file {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}
