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

package filewatcher

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher applies include and exclude glob patterns to paths. Patterns use
// doublestar syntax, so ** matches across directories.
type Matcher struct {
	include []string
	exclude []string
}

// NewMatcher validates the patterns and returns a Matcher. An empty include
// list matches every path.
func NewMatcher(include, exclude []string) (*Matcher, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return &Matcher{include: include, exclude: exclude}, nil
}

// Match reports whether path is included and not excluded. Patterns are
// tried against the full path and the base name.
func (m *Matcher) Match(path string) bool {
	included := len(m.include) == 0
	for _, p := range m.include {
		if matchPattern(p, path) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range m.exclude {
		if matchPattern(p, path) {
			return false
		}
	}
	return true
}

func matchPattern(pattern, path string) bool {
	if ok, _ := doublestar.PathMatch(pattern, path); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, filepath.Base(path))
	return ok
}

// DefaultExcludes lists editor swap files and other temporaries that should
// never trigger a reload.
func DefaultExcludes() []string {
	return []string{
		"*.swp",
		"*.swo",
		".*.sw?",
		"*~",
		"#*#",
		".#*",
		".DS_Store",
		"*.tmp",
	}
}
