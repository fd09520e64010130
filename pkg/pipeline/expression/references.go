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

package expression

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var taskRefPattern = regexp.MustCompile(`\btasks\.([a-zA-Z_][a-zA-Z0-9_]*)`)

// TaskReferences returns the unique task names an expression refers to via
// tasks.<name>, sorted.
func TaskReferences(expression string) []string {
	seen := make(map[string]bool)
	for _, m := range taskRefPattern.FindAllStringSubmatch(expression, -1) {
		seen[m[1]] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTaskReferences checks that every task referenced by expression is
// in known.
//
//	err := ValidateTaskReferences(`tasks.install.outcome == "success"`, []string{"install"})
//	// nil
func ValidateTaskReferences(expression string, known []string) error {
	refs := TaskReferences(expression)
	if len(refs) == 0 {
		return nil
	}

	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}

	var missing []string
	for _, r := range refs {
		if !knownSet[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("expression references unknown task(s): %s", strings.Join(missing, ", "))
	}
	return nil
}
