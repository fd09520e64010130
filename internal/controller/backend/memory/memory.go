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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/autofix/internal/controller/backend"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.SummaryStore    = (*Backend)(nil)
	_ backend.SummaryLister   = (*Backend)(nil)
	_ backend.FixAttemptStore = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend. History does not survive a
// restart.
type Backend struct {
	mu        sync.RWMutex
	summaries map[string]run.Summary
	attempts  map[string][]run.FixAttempt
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		summaries: make(map[string]run.Summary),
		attempts:  make(map[string][]run.FixAttempt),
	}
}

// SaveSummary saves or replaces a summary.
func (b *Backend) SaveSummary(ctx context.Context, summary run.Summary) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summaries[summary.ID] = summary
	return nil
}

// GetSummary retrieves a summary by run ID.
func (b *Backend) GetSummary(ctx context.Context, id string) (*run.Summary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.summaries[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return &s, nil
}

// ListSummaries lists summaries with optional filtering, newest first.
func (b *Backend) ListSummaries(ctx context.Context, filter backend.SummaryFilter) ([]run.Summary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []run.Summary
	for _, s := range b.summaries {
		if filter.Matches(s) {
			result = append(result, s)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

// DeleteSummary deletes a summary.
func (b *Backend) DeleteSummary(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.summaries, id)
	delete(b.attempts, id)
	return nil
}

// SaveFixAttempts replaces the fix attempts of a run.
func (b *Backend) SaveFixAttempts(ctx context.Context, runID string, attempts []run.FixAttempt) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]run.FixAttempt, len(attempts))
	copy(stored, attempts)
	b.attempts[runID] = stored
	return nil
}

// ListFixAttempts returns the fix attempts of a run.
func (b *Backend) ListFixAttempts(ctx context.Context, runID string) ([]run.FixAttempt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored := b.attempts[runID]
	out := make([]run.FixAttempt, len(stored))
	copy(out, stored)
	return out, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
