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

// Package catalog holds the pipeline definitions the orchestrator can run.
package catalog

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/autofix/internal/controller/filewatcher"
	"github.com/tombee/autofix/internal/controller/metrics"
	"github.com/tombee/autofix/pkg/errors"
	"github.com/tombee/autofix/pkg/pipeline"
	"github.com/tombee/autofix/pkg/pipeline/expression"
)

// DefaultPattern selects definition files when none is configured.
const DefaultPattern = "**/*.{yaml,yml}"

// Config configures a Catalog.
type Config struct {
	// Dir is scanned by Reload. Empty means definitions are only added
	// programmatically.
	Dir     string
	Pattern string

	// Actions rejects definitions that reference unregistered actions.
	Actions   pipeline.ActionSet
	Evaluator *expression.Evaluator
	Logger    *slog.Logger

	Debounce    time.Duration
	MinInterval time.Duration
}

// FileError is a definition file that could not be used.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *FileError) Unwrap() error { return e.Err }

// LoadResult reports the outcome of scanning a directory.
type LoadResult struct {
	// Loaded lists pipeline names read successfully, sorted.
	Loaded []string
	// Errors holds one entry per file that could not be used.
	Errors []*FileError
}

// Err joins the file errors, or returns nil when every file loaded.
func (r *LoadResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return stderrors.Join(errs...)
}

// Catalog maps pipeline names to validated definitions. Definitions are
// shared read-only once added.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*pipeline.Definition

	cfg    Config
	logger *slog.Logger
}

// New returns an empty catalog.
func New(cfg Config) *Catalog {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expression.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:   make(map[string]*pipeline.Definition),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

func (c *Catalog) validate(def *pipeline.Definition) error {
	return def.Validate(pipeline.ValidateOptions{
		Actions:   c.cfg.Actions,
		Evaluator: c.cfg.Evaluator,
	})
}

// Add validates def and stores it under its name, replacing any previous
// definition with that name.
func (c *Catalog) Add(def *pipeline.Definition) error {
	if err := c.validate(def); err != nil {
		return err
	}
	c.mu.Lock()
	c.defs[def.Name] = def
	c.mu.Unlock()
	return nil
}

// Get returns the definition named name.
func (c *Catalog) Get(name string) (*pipeline.Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return def, nil
}

// Names returns the registered pipeline names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every definition, sorted by name.
func (c *Catalog) Definitions() []*pipeline.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]*pipeline.Definition, 0, len(c.defs))
	for _, def := range c.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// LoadDir reads every file under dir matching pattern and validates it.
// It does not modify the catalog.
func (c *Catalog) LoadDir(dir, pattern string) (map[string]*pipeline.Definition, *LoadResult, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	files, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, &errors.ConfigError{Key: "pipelines.pattern", Reason: "invalid pattern", Cause: err}
	}
	sort.Strings(files)

	defs := make(map[string]*pipeline.Definition)
	res := &LoadResult{}
	for _, rel := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		def, err := pipeline.LoadFile(path)
		if err == nil {
			err = c.validate(def)
		}
		if err == nil {
			if prev, dup := defs[def.Name]; dup {
				err = &errors.ValidationError{
					Field:      "name",
					Message:    fmt.Sprintf("duplicate pipeline name %q (also defined in %s)", def.Name, prev.Source),
					Suggestion: "give each pipeline a unique name",
				}
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, &FileError{Path: path, Err: err})
			continue
		}
		defs[def.Name] = def
		res.Loaded = append(res.Loaded, def.Name)
	}
	sort.Strings(res.Loaded)
	return defs, res, nil
}

// Reload rescans the configured directory and swaps in the result. A file
// that fails to load keeps the definition previously loaded from it, so a
// broken edit does not remove a working pipeline.
func (c *Catalog) Reload() (*LoadResult, error) {
	if c.cfg.Dir == "" {
		return &LoadResult{}, nil
	}

	defs, res, err := c.LoadDir(c.cfg.Dir, c.cfg.Pattern)
	if err != nil {
		metrics.RecordCatalogReload("error")
		return nil, err
	}

	failed := make(map[string]bool, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.Path] = true
	}

	c.mu.Lock()
	for name, old := range c.defs {
		if _, ok := defs[name]; ok {
			continue
		}
		// Definitions added with Add have no source and survive reloads.
		if old.Source == "" || failed[old.Source] {
			defs[name] = old
		}
	}
	c.defs = defs
	c.mu.Unlock()

	result := "success"
	if len(res.Errors) > 0 {
		result = "partial"
		for _, e := range res.Errors {
			c.logger.Warn("skipping pipeline definition", "error", e)
		}
	}
	metrics.RecordCatalogReload(result)
	c.logger.Info("pipeline catalog loaded",
		slog.String("dir", c.cfg.Dir),
		slog.Int("pipelines", len(defs)),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

// Watch reloads the catalog whenever a matching file under the configured
// directory settles after a change. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.cfg.Dir == "" {
		return &errors.ConfigError{Key: "pipelines.dir", Reason: "no definition directory to watch"}
	}
	return filewatcher.Watch(ctx, filewatcher.Config{
		Dir:         c.cfg.Dir,
		Include:     []string{c.cfg.Pattern},
		Debounce:    c.cfg.Debounce,
		MinInterval: c.cfg.MinInterval,
		Logger:      c.logger,
	}, func(_ context.Context, events []filewatcher.Event) {
		c.logger.Debug("definition change detected", slog.Int("files", len(events)))
		if _, err := c.Reload(); err != nil {
			c.logger.Error("failed to reload pipeline catalog", "error", err)
		}
	})
}
