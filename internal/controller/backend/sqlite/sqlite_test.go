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

package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/autofix/internal/controller/backend"
	"github.com/tombee/autofix/internal/controller/run"
	autofixerrors "github.com/tombee/autofix/pkg/errors"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })

	return be, dbPath
}

func testSummary(id, pipeline string, state run.State, created time.Time) run.Summary {
	started := created.Add(time.Second)
	completed := created.Add(5 * time.Second)
	return run.Summary{
		ID:          id,
		Pipeline:    pipeline,
		State:       state,
		Attempt:     1,
		FixAttempts: 1,
		Error:       "",
		Duration:    4 * time.Second,
		CreatedAt:   created,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func TestSQLiteBackend_SaveAndGetSummary(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	s := testSummary("run-1", "build", run.StateSucceeded, created)

	if err := be.SaveSummary(ctx, s); err != nil {
		t.Fatalf("failed to save summary: %v", err)
	}

	got, err := be.GetSummary(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get summary: %v", err)
	}

	if got.Pipeline != "build" || got.State != run.StateSucceeded {
		t.Errorf("unexpected summary: %+v", got)
	}
	if got.Duration != 4*time.Second {
		t.Errorf("expected duration 4s, got %v", got.Duration)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*s.CompletedAt) {
		t.Errorf("expected completed_at %v, got %v", s.CompletedAt, got.CompletedAt)
	}

	// upsert
	s.State = run.StateEscalated
	s.Error = "fixer failed"
	if err := be.SaveSummary(ctx, s); err != nil {
		t.Fatalf("failed to resave summary: %v", err)
	}
	got, _ = be.GetSummary(ctx, "run-1")
	if got.State != run.StateEscalated || got.Error != "fixer failed" {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func TestSQLiteBackend_GetSummaryNotFound(t *testing.T) {
	be, _ := createTestBackend(t)

	_, err := be.GetSummary(context.Background(), "missing")
	var nf *autofixerrors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSQLiteBackend_ListSummaries(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range []string{"build", "deploy", "build", "build"} {
		state := run.StateSucceeded
		if i == 2 {
			state = run.StateEscalated
		}
		// sub-second spacing must still order correctly
		created := base.Add(time.Duration(i) * 10 * time.Millisecond)
		id := []string{"a", "b", "c", "d"}[i]
		if err := be.SaveSummary(ctx, testSummary(id, p, state, created)); err != nil {
			t.Fatalf("failed to save summary: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter backend.SummaryFilter
		want   []string
	}{
		{"all", backend.SummaryFilter{}, []string{"d", "c", "b", "a"}},
		{"by pipeline", backend.SummaryFilter{Pipeline: "build"}, []string{"d", "c", "a"}},
		{"by state", backend.SummaryFilter{State: run.StateEscalated}, []string{"c"}},
		{"limit", backend.SummaryFilter{Pipeline: "build", Limit: 2}, []string{"d", "c"}},
		{"offset", backend.SummaryFilter{Offset: 3}, []string{"a"}},
		{"limit and offset", backend.SummaryFilter{Limit: 1, Offset: 1}, []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := be.ListSummaries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list summaries: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d summaries, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestSQLiteBackend_FixAttempts(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	now := time.Now()
	if err := be.SaveSummary(ctx, testSummary("run-1", "build", run.StateSucceeded, now)); err != nil {
		t.Fatalf("failed to save summary: %v", err)
	}

	verified := true
	attempts := []run.FixAttempt{
		{
			Number:   1,
			Snapshot: run.FailureSnapshot{RunID: "run-1", Stage: "install", Task: "deps", Error: "exit status 1"},
			Error:    "fixer failed: timeout",
		},
		{
			Number:       2,
			Snapshot:     run.FailureSnapshot{RunID: "run-1", Stage: "install", Context: map[string]any{"k": "v"}},
			Payload:      &run.FixPayload{Summary: "pin version", Files: map[string]string{"go.mod": "x"}},
			Applied:      true,
			ApplyDetails: "1 file changed",
			Verified:     &verified,
			StartedAt:    now,
			CompletedAt:  now.Add(time.Second),
		},
	}

	if err := be.SaveFixAttempts(ctx, "run-1", attempts); err != nil {
		t.Fatalf("failed to save fix attempts: %v", err)
	}

	got, err := be.ListFixAttempts(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list fix attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fix attempts, got %d", len(got))
	}

	if got[0].Payload != nil || got[0].Verified != nil || got[0].Applied {
		t.Errorf("first attempt should be unapplied: %+v", got[0])
	}
	if got[0].Error != "fixer failed: timeout" || got[0].Snapshot.Task != "deps" {
		t.Errorf("first attempt fields lost: %+v", got[0])
	}

	second := got[1]
	if second.RunID != "run-1" || !second.Applied || second.ApplyDetails != "1 file changed" {
		t.Errorf("second attempt fields lost: %+v", second)
	}
	if second.Payload == nil || second.Payload.Files["go.mod"] != "x" {
		t.Errorf("payload not round-tripped: %+v", second.Payload)
	}
	if second.Verified == nil || !*second.Verified {
		t.Errorf("verified not round-tripped: %v", second.Verified)
	}
	if second.Snapshot.Context["k"] != "v" {
		t.Errorf("snapshot context not round-tripped: %v", second.Snapshot.Context)
	}

	// replace
	if err := be.SaveFixAttempts(ctx, "run-1", attempts[:1]); err != nil {
		t.Fatalf("failed to replace fix attempts: %v", err)
	}
	got, _ = be.ListFixAttempts(ctx, "run-1")
	if len(got) != 1 {
		t.Errorf("expected 1 fix attempt after replace, got %d", len(got))
	}
}

func TestSQLiteBackend_DeleteSummaryCascades(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	_ = be.SaveSummary(ctx, testSummary("run-1", "build", run.StateEscalated, time.Now()))
	_ = be.SaveFixAttempts(ctx, "run-1", []run.FixAttempt{{Number: 1}})

	if err := be.DeleteSummary(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete summary: %v", err)
	}

	if _, err := be.GetSummary(ctx, "run-1"); err == nil {
		t.Error("expected summary to be deleted")
	}
	got, err := be.ListFixAttempts(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list fix attempts: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected fix attempts to cascade, got %d", len(got))
	}
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	be, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	if err := be.SaveSummary(ctx, testSummary("run-1", "build", run.StateSucceeded, time.Now())); err != nil {
		t.Fatalf("failed to save summary: %v", err)
	}
	be.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	be, err = New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer be.Close()

	if _, err := be.GetSummary(ctx, "run-1"); err != nil {
		t.Errorf("summary did not survive reopen: %v", err)
	}
}
