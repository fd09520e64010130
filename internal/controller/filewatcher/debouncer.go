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
	"sync"
	"time"
)

// Debouncer delays delivery of events until no new event has arrived for
// the configured window. Every path has its own timer; events for a path
// are collapsed to the most recent one.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timers  map[string]*pending
	onFlush func([]Event)
	stopped bool
}

type pending struct {
	timer *time.Timer
	event Event
}

// NewDebouncer returns a Debouncer that calls onFlush with the settled
// event of a path once its window elapses.
func NewDebouncer(window time.Duration, onFlush func([]Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		timers:  make(map[string]*pending),
		onFlush: onFlush,
	}
}

// Add records ev and restarts the timer for its path.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	p, ok := d.timers[ev.Path]
	if ok {
		p.timer.Stop()
		p.event = ev
	} else {
		p = &pending{event: ev}
		d.timers[ev.Path] = p
	}
	path := ev.Path
	p.timer = time.AfterFunc(d.window, func() { d.flush(path) })
}

func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	p, ok := d.timers[path]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	if d.onFlush != nil {
		d.onFlush([]Event{p.event})
	}
}

// Stop cancels every timer and delivers the pending events in one batch.
// Events added after Stop are dropped.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true

	var events []Event
	for path, p := range d.timers {
		p.timer.Stop()
		events = append(events, p.event)
		delete(d.timers, path)
	}
	d.mu.Unlock()

	if d.onFlush != nil && len(events) > 0 {
		d.onFlush(events)
	}
}

// Pending returns the number of paths waiting on a timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
