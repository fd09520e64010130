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

// Package store holds the authoritative state of every live run.
//
// All mutation goes through Update, which serializes writers per run id and
// applies changes to a private copy that replaces the stored run only when
// the mutation succeeds. Readers always receive deep copies. Terminal runs
// are frozen; their summaries (and fix attempt history) are written to the
// history backend and eventually evicted from memory by retention.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/autofix/internal/controller/backend"
	"github.com/tombee/autofix/internal/controller/backend/memory"
	"github.com/tombee/autofix/internal/controller/metrics"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
	autofixerrors "github.com/tombee/autofix/pkg/errors"
)

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 50

// Store is the run state store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	backend  backend.Backend
	observer observer.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// entry guards one run. Its mutex serializes Update calls for that run id
// without blocking other runs.
type entry struct {
	mu  sync.Mutex
	run *run.Run
}

// Option configures a Store.
type Option func(*Store)

// WithBackend sets the history backend. The default is an in-memory backend.
func WithBackend(b backend.Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithObserver sets the observer notified of state transitions.
func WithObserver(o observer.Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		observer: observer.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = memory.New()
	}
	s.logger = log.WithComponent(s.logger, "store")
	return s
}

// Backend returns the history backend.
func (s *Store) Backend() backend.Backend {
	return s.backend
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create adds a new run. The store keeps its own copy.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return &autofixerrors.ValidationError{Field: "id", Message: "run id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[r.ID]; exists {
		return fmt.Errorf("run already exists: %s", r.ID)
	}
	s.entries[r.ID] = &entry{run: r.Clone()}
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &autofixerrors.NotFoundError{Resource: "run", ID: id}
	}
	return e, nil
}

// Get returns a deep copy of a live run. Evicted and unknown runs return
// *errors.NotFoundError.
func (s *Store) Get(id string) (*run.Run, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Clone(), nil
}

// Update applies fn to a copy of the run and stores the copy if fn returns
// nil. Updates to the same run are applied one at a time in arrival order.
// Runs in a terminal state cannot be updated.
//
// State transitions made by fn are reported to the observer after the
// write. A run that becomes terminal is persisted to the history backend.
func (s *Store) Update(ctx context.Context, id string, fn func(*run.Run) error) (*run.Run, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()

	if e.run.State.IsTerminal() {
		state := e.run.State
		e.mu.Unlock()
		return nil, &autofixerrors.StateTransitionError{
			RunID:    id,
			From:     string(state),
			To:       string(state),
			Terminal: true,
		}
	}

	working := e.run.Clone()
	seen := len(working.Transitions)

	if err := fn(working); err != nil {
		e.mu.Unlock()
		var stErr *autofixerrors.StateTransitionError
		if errors.As(err, &stErr) {
			metrics.RecordTransitionError(stErr.From, stErr.To)
		}
		return nil, err
	}

	e.run = working
	s.emit(working, seen)
	result := working.Clone()
	e.mu.Unlock()

	if result.State.IsTerminal() {
		_ = s.persist(ctx, result)
	}
	return result, nil
}

// emit reports transitions appended since index seen.
func (s *Store) emit(r *run.Run, seen int) {
	for _, t := range r.Transitions[seen:] {
		s.observer.OnTransition(observer.TransitionEvent{
			RunID:     r.ID,
			Pipeline:  r.Pipeline,
			From:      t.From,
			To:        t.To,
			Attempt:   r.Attempt,
			Reason:    t.Reason,
			Error:     r.Error,
			Timestamp: t.At,
			Elapsed:   r.Duration(t.At),
		})
	}
}

// persist writes a terminal run to the history backend. Failures are
// logged and counted; Update never surfaces them.
func (s *Store) persist(ctx context.Context, r *run.Run) error {
	ctx = context.WithoutCancel(ctx)

	if err := s.backend.SaveSummary(ctx, r.Summary(s.now())); err != nil {
		metrics.RecordPersistenceError("save_summary", err)
		s.logger.Warn("failed to persist run summary",
			slog.String(log.RunIDKey, r.ID),
			log.Error(err))
		return err
	}

	if len(r.FixAttempts) == 0 {
		return nil
	}
	if err := s.backend.SaveFixAttempts(ctx, r.ID, r.FixAttempts); err != nil {
		metrics.RecordPersistenceError("save_fix_attempts", err)
		s.logger.Warn("failed to persist fix attempts",
			slog.String(log.RunIDKey, r.ID),
			log.Error(err))
		return err
	}
	return nil
}

// Filter selects runs for List.
type Filter struct {
	Pipeline string
	State    run.State
	Limit    int
}

// List returns copies of live runs matching the filter, most recently
// created first.
func (s *Store) List(filter Filter) []*run.Run {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*run.Run
	for _, e := range entries {
		e.mu.Lock()
		r := e.run
		if (filter.Pipeline == "" || r.Pipeline == filter.Pipeline) &&
			(filter.State == "" || r.State == filter.State) {
			out = append(out, r.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// ListByState returns copies of live runs in the given state.
func (s *Store) ListByState(state run.State) []*run.Run {
	return s.List(Filter{State: state})
}

// Count returns the number of live runs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Summary returns the summary of a live or evicted run.
func (s *Store) Summary(ctx context.Context, id string) (*run.Summary, error) {
	if r, err := s.Get(id); err == nil {
		sum := r.Summary(s.now())
		return &sum, nil
	}
	return s.backend.GetSummary(ctx, id)
}

// FixAttempts returns the fix attempt history of a live or evicted run.
func (s *Store) FixAttempts(ctx context.Context, id string) ([]run.FixAttempt, error) {
	if r, err := s.Get(id); err == nil {
		return r.FixAttempts, nil
	}
	if _, err := s.backend.GetSummary(ctx, id); err != nil {
		return nil, err
	}
	return s.backend.ListFixAttempts(ctx, id)
}

// History returns the most recent runs of a pipeline, newest first, at
// most limit entries. Live runs and persisted summaries are merged; every
// call reads current state.
func (s *Store) History(ctx context.Context, pipeline string, limit int) ([]run.Summary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	now := s.now()
	seen := make(map[string]bool)
	var out []run.Summary
	for _, r := range s.List(Filter{Pipeline: pipeline, Limit: limit}) {
		seen[r.ID] = true
		out = append(out, r.Summary(now))
	}

	persisted, err := s.backend.ListSummaries(ctx, backend.SummaryFilter{Pipeline: pipeline, Limit: limit + len(seen)})
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	for _, sum := range persisted {
		if !seen[sum.ID] {
			seen[sum.ID] = true
			out = append(out, sum)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Evict removes terminal runs that completed more than horizon ago from
// memory, making sure their summaries are persisted first. A run whose
// summary cannot be saved stays in memory. It returns the number of runs
// evicted.
func (s *Store) Evict(ctx context.Context, horizon time.Duration) int {
	cutoff := s.now().Add(-horizon)

	s.mu.RLock()
	candidates := make(map[string]*entry)
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var evict []string
	for id, e := range candidates {
		e.mu.Lock()
		r := e.run
		if r.State.IsTerminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			evict = append(evict, id)
		}
		e.mu.Unlock()
	}
	if len(evict) == 0 {
		return 0
	}

	evicted := 0
	for _, id := range evict {
		r, err := s.Get(id)
		if err != nil {
			continue
		}
		// persisted when it became terminal; saved again here so a failed
		// first write does not lose history
		if _, err := s.backend.GetSummary(ctx, id); err != nil {
			if err := s.persist(ctx, r); err != nil {
				// kept in memory until a later pass can save it
				metrics.RecordEvictionSkipped()
				s.logger.Warn("eviction postponed",
					slog.String(log.RunIDKey, id),
					log.Error(err))
				continue
			}
		}

		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		evicted++
	}

	metrics.RecordEvictions(evicted)
	return evicted
}

// StartRetention evicts old terminal runs every interval until ctx is
// cancelled.
func (s *Store) StartRetention(ctx context.Context, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("retention loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if n := s.Evict(ctx, horizon); n > 0 {
				s.logger.Info("evicted finished runs", "evicted", n, "retention", horizon)
			}
		}
	}
}
