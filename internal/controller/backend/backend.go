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

// Package backend provides history storage for finished runs.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - SummaryStore (core, required): SaveSummary, GetSummary
//   - SummaryLister (optional): ListSummaries, DeleteSummary
//   - FixAttemptStore (optional): SaveFixAttempts, ListFixAttempts
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured implementations.
// The run store accepts Backend and only ever writes terminal runs to it.
package backend

import (
	"context"
	"io"

	"github.com/tombee/autofix/internal/controller/run"
)

// SummaryStore is the core interface for run history.
type SummaryStore interface {
	// SaveSummary inserts or replaces the summary of a run.
	SaveSummary(ctx context.Context, summary run.Summary) error

	// GetSummary retrieves a summary by run ID. A missing summary returns
	// *errors.NotFoundError.
	GetSummary(ctx context.Context, id string) (*run.Summary, error)
}

// SummaryLister is an optional interface for listing and deleting summaries.
// Use type assertion to detect if a backend supports this capability:
//
//	if lister, ok := store.(SummaryLister); ok {
//	    summaries, err := lister.ListSummaries(ctx, filter)
//	}
type SummaryLister interface {
	// ListSummaries lists summaries, most recently created first.
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]run.Summary, error)

	// DeleteSummary deletes a summary and any fix attempts stored with it.
	DeleteSummary(ctx context.Context, id string) error
}

// FixAttemptStore is an optional interface for keeping the fix attempt
// history of escalated and recovered runs.
type FixAttemptStore interface {
	// SaveFixAttempts replaces the fix attempts stored for a run.
	SaveFixAttempts(ctx context.Context, runID string, attempts []run.FixAttempt) error

	// ListFixAttempts returns the fix attempts of a run ordered by number.
	ListFixAttempts(ctx context.Context, runID string) ([]run.FixAttempt, error)
}

// Backend defines the full interface for history storage.
type Backend interface {
	SummaryStore
	SummaryLister
	FixAttemptStore
	io.Closer
}

// SummaryFilter contains filtering options for listing summaries.
type SummaryFilter struct {
	Pipeline string
	State    run.State
	Limit    int
	Offset   int
}

// Matches reports whether s passes the filter's field predicates. Limit and
// Offset are not considered.
func (f SummaryFilter) Matches(s run.Summary) bool {
	if f.Pipeline != "" && s.Pipeline != f.Pipeline {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	return true
}
