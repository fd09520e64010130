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

package completion

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	maxPipelineFiles = 100
	maxSearchDepth   = 2
)

// pipelineFile is a discovered definition file.
type pipelineFile struct {
	path    string
	name    string
	modTime int64
}

// CompletePipelineNames completes the names of pipelines in the configured
// pipelines directory.
func CompletePipelineNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		cfg, err := LoadConfigForCompletion()
		if err != nil || cfg == nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return catalogNames(cfg.Pipelines.Dir, cfg.Pipelines.Pattern, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
}

// CompletePipelineFiles completes definition files under the current
// directory, newest first.
func CompletePipelineFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		files, err := discoverPipelineFiles(".", maxSearchDepth)
		if err != nil || len(files) == 0 {
			return nil, cobra.ShellCompDirectiveDefault
		}
		paths := make([]string, 0, len(files))
		for _, f := range files {
			if strings.HasPrefix(f.path, toComplete) {
				paths = append(paths, f.path)
			}
		}
		return paths, cobra.ShellCompDirectiveDefault
	})
}

// CompletePipelinesAndFiles completes both pipeline names and definition
// files, for commands that accept either.
func CompletePipelinesAndFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	names, _ := CompletePipelineNames(cmd, args, toComplete)
	files, directive := CompletePipelineFiles(cmd, args, toComplete)
	return append(names, files...), directive
}

// catalogNames lists pipeline names defined by files under dir.
func catalogNames(dir, pattern, prefix string) []string {
	if dir == "" {
		return nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, m := range matches {
		name, ok := pipelineName(filepath.Join(dir, m))
		if !ok || seen[name] || !strings.HasPrefix(name, prefix) {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// discoverPipelineFiles walks root up to maxDepth levels for definition
// files, sorted by modification time (newest first).
func discoverPipelineFiles(root string, maxDepth int) ([]pipelineFile, error) {
	var files []pipelineFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		if strings.Count(relPath, string(filepath.Separator)) > maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() && strings.HasPrefix(d.Name(), ".") && path != root {
			return fs.SkipDir
		}
		if d.IsDir() || (!strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml")) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		name, ok := pipelineName(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, pipelineFile{path: path, name: name, modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime > files[j].modTime
	})
	if len(files) > maxPipelineFiles {
		files = files[:maxPipelineFiles]
	}
	return files, nil
}

// pipelineName reports the name of a definition file. Files without a
// top-level name and stages list are not pipelines.
func pipelineName(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var doc struct {
		Name   string `yaml:"name"`
		Stages []any  `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	return doc.Name, doc.Name != "" && doc.Stages != nil
}
