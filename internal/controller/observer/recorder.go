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

package observer

import "sync"

const defaultRecorderCapacity = 1024

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu          sync.RWMutex
	capacity    int
	transitions []TransitionEvent
	results     []ResultEvent
}

// NewRecorder creates a recorder holding up to capacity events of each
// kind. capacity <= 0 selects a default.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	return &Recorder{capacity: capacity}
}

// Name implements Named.
func (r *Recorder) Name() string { return "recorder" }

// OnTransition implements Observer.
func (r *Recorder) OnTransition(e TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, e)
	if over := len(r.transitions) - r.capacity; over > 0 {
		r.transitions = append([]TransitionEvent(nil), r.transitions[over:]...)
	}
}

// OnResult implements Observer.
func (r *Recorder) OnResult(e ResultEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, e)
	if over := len(r.results) - r.capacity; over > 0 {
		r.results = append([]ResultEvent(nil), r.results[over:]...)
	}
}

// Transitions returns recorded transitions for a run, oldest first. An
// empty runID returns all of them.
func (r *Recorder) Transitions(runID string) []TransitionEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TransitionEvent
	for _, e := range r.transitions {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Results returns recorded results for a run, oldest first. An empty runID
// returns all of them.
func (r *Recorder) Results(runID string) []ResultEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ResultEvent
	for _, e := range r.results {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
