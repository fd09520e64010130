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
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// opNames maps fsnotify operations to event ops. Chmod is ignored.
var opNames = []struct {
	op   fsnotify.Op
	name Op
}{
	{fsnotify.Create, OpCreated},
	{fsnotify.Write, OpModified},
	{fsnotify.Remove, OpDeleted},
	{fsnotify.Rename, OpRenamed},
}

// Watcher wraps fsnotify and reports changes below a root directory whose
// root-relative path passes its Matcher. Subdirectories are watched too, including ones created
// after the watcher starts.
type Watcher struct {
	root    string
	matcher *Matcher
	fsw     *fsnotify.Watcher
	events  chan Event
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for root. A nil matcher accepts every path.
func NewWatcher(root string, matcher *Matcher, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if matcher == nil {
		matcher = &Matcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:    abs,
		matcher: matcher,
		fsw:     fsw,
		events:  make(chan Event, 100),
		logger:  logger.With(slog.String("component", "filewatcher"), slog.String("path", abs)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Start begins delivering events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Debug("file watcher started")
}

// Stop ends the event loop and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
	return w.fsw.Close()
}

// Events returns the channel of matched events. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	var op Op
	for _, o := range opNames {
		if ev.Has(o.op) {
			op = o.name
			break
		}
	}
	if op == "" {
		return
	}

	if op == OpCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || !w.matcher.Match(filepath.ToSlash(rel)) {
		return
	}

	select {
	case w.events <- Event{Path: ev.Name, Op: op, At: time.Now()}:
		w.logger.Debug("file event", "op", op, "file", ev.Name)
	default:
		w.logger.Warn("event channel full, dropping event", "op", op, "file", ev.Name)
	}
}
