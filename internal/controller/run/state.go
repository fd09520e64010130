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
	"github.com/tombee/autofix/pkg/errors"
)

// State is the lifecycle state of a pipeline run.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateFixing    State = "FIXING"
	StateEscalated State = "ESCALATED"
	StateCancelled State = "CANCELLED"
)

// transitions lists the allowed target states for each source state.
// Terminal states have no entry.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
	StateFailed:  {StateFixing, StateEscalated},
	StateFixing:  {StateRunning, StateEscalated},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateEscalated, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateFixing, StateEscalated, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// checkTransition returns a StateTransitionError if from -> to is not allowed.
func checkTransition(runID string, from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &errors.StateTransitionError{
		RunID:    runID,
		From:     string(from),
		To:       string(to),
		Terminal: from.IsTerminal(),
	}
}

// States returns all states in lifecycle order.
func States() []State {
	return []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateFixing, StateEscalated, StateCancelled}
}
