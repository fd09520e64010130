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

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
)

type actionSet map[string]bool

func (a actionSet) Has(action string) bool { return a[action] }

var testActions = actionSet{"shell": true, "noop": true}

func definition(name, action string) string {
	return "name: " + name + "\nstages:\n  - name: build\n    tasks:\n      - name: compile\n        action: " + action + "\n"
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCatalog_AddGet(t *testing.T) {
	c := New(Config{Actions: testActions})

	def := &pipeline.Definition{
		Name:   "build",
		Stages: []pipeline.Stage{{Name: "s", Tasks: []pipeline.Task{{Name: "t", Action: "noop"}}}},
	}
	require.NoError(t, c.Add(def))

	got, err := c.Get("build")
	require.NoError(t, err)
	assert.Same(t, def, got)
	assert.Equal(t, []string{"build"}, c.Names())

	_, err = c.Get("deploy")
	var nf *errors.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "pipeline", nf.Resource)
}

func TestCatalog_AddRejectsInvalid(t *testing.T) {
	c := New(Config{Actions: testActions})

	err := c.Add(&pipeline.Definition{
		Name:   "build",
		Stages: []pipeline.Stage{{Name: "s", Tasks: []pipeline.Task{{Name: "t", Action: "deploy-to-prod"}}}},
	})
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	assert.Empty(t, c.Names())
}

func TestCatalog_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "build.yaml", definition("build", "shell"))
	writeFile(t, dir, "team/deploy.yml", definition("deploy", "noop"))
	writeFile(t, dir, "README.md", "not a pipeline")

	c := New(Config{Dir: dir, Actions: testActions})
	res, err := c.Reload()
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, []string{"build", "deploy"}, res.Loaded)
	assert.Equal(t, []string{"build", "deploy"}, c.Names())

	def, err := c.Get("deploy")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "team", "deploy.yml"), def.Source)
}

func TestCatalog_ReloadKeepsPreviousOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "build.yaml", definition("build", "shell"))
	writeFile(t, dir, "lint.yaml", definition("lint", "noop"))

	c := New(Config{Dir: dir, Actions: testActions})
	_, err := c.Reload()
	require.NoError(t, err)

	writeFile(t, dir, "build.yaml", "name: build\nstages: [")
	require.NoError(t, os.Remove(filepath.Join(dir, "lint.yaml")))

	res, err := c.Reload()
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, path, res.Errors[0].Path)
	assert.Error(t, res.Err())

	// build survives its broken edit, lint was deleted
	assert.Equal(t, []string{"build"}, c.Names())
}

func TestCatalog_ReloadKeepsAddedDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "build.yaml", definition("build", "shell"))

	c := New(Config{Dir: dir, Actions: testActions})
	def, err := pipeline.Parse([]byte(definition("adhoc", "noop")))
	require.NoError(t, err)
	require.NoError(t, c.Add(def))

	_, err = c.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"adhoc", "build"}, c.Names())
}

func TestCatalog_LoadDirErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", definition("build", "shell"))
	writeFile(t, dir, "b.yaml", definition("build", "noop"))
	writeFile(t, dir, "c.yaml", definition("unknown", "teleport"))

	c := New(Config{Actions: testActions})
	defs, res, err := c.LoadDir(dir, "*.yaml")
	require.NoError(t, err)

	assert.Len(t, defs, 1)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), defs["build"].Source)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Error(), "duplicate pipeline name")
	assert.Equal(t, filepath.Join(dir, "c.yaml"), res.Errors[1].Path)

	// LoadDir never touches the catalog
	assert.Empty(t, c.Names())
}

func TestCatalog_ReloadWithoutDir(t *testing.T) {
	c := New(Config{})
	res, err := c.Reload()
	require.NoError(t, err)
	assert.Empty(t, res.Loaded)

	assert.Error(t, c.Watch(context.Background()))
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "build.yaml", definition("build", "shell"))

	c := New(Config{
		Dir:         dir,
		Actions:     testActions,
		Debounce:    20 * time.Millisecond,
		MinInterval: 10 * time.Millisecond,
	})
	_, err := c.Reload()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "deploy.yaml", definition("deploy", "noop"))

	assert.Eventually(t, func() bool {
		_, err := c.Get("deploy")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}
