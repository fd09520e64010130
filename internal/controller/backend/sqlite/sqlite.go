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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/autofix/internal/controller/backend"
	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.SummaryStore    = (*Backend)(nil)
	_ backend.SummaryLister   = (*Backend)(nil)
	_ backend.FixAttemptStore = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
//
// Timestamps are stored as unix nanoseconds so that ORDER BY matches
// chronological order at sub-second resolution.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_summaries (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			fix_attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			duration INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_pipeline ON run_summaries(pipeline, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_state ON run_summaries(state)`,
		`CREATE TABLE IF NOT EXISTS fix_attempts (
			run_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			payload TEXT,
			applied INTEGER NOT NULL DEFAULT 0,
			apply_details TEXT,
			verified INTEGER,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, number),
			FOREIGN KEY (run_id) REFERENCES run_summaries(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const summaryColumns = `id, pipeline, state, attempt, fix_attempts, error, duration, created_at, started_at, completed_at`

// SaveSummary inserts or replaces a summary.
func (b *Backend) SaveSummary(ctx context.Context, s run.Summary) error {
	query := `
		INSERT INTO run_summaries (` + summaryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pipeline = excluded.pipeline,
			state = excluded.state,
			attempt = excluded.attempt,
			fix_attempts = excluded.fix_attempts,
			error = excluded.error,
			duration = excluded.duration,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := b.db.ExecContext(ctx, query,
		s.ID, s.Pipeline, string(s.State), s.Attempt, s.FixAttempts,
		nullString(s.Error), int64(s.Duration),
		s.CreatedAt.UnixNano(), formatTime(s.StartedAt), formatTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// GetSummary retrieves a summary by run ID.
func (b *Backend) GetSummary(ctx context.Context, id string) (*run.Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM run_summaries WHERE id = ?`

	s, err := scanSummary(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return s, nil
}

// ListSummaries lists summaries with optional filtering, newest first.
func (b *Backend) ListSummaries(ctx context.Context, filter backend.SummaryFilter) ([]run.Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM run_summaries WHERE 1=1`
	args := []any{}

	if filter.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, filter.Pipeline)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []run.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, *s)
	}

	return summaries, rows.Err()
}

// DeleteSummary deletes a summary. Fix attempts cascade.
func (b *Backend) DeleteSummary(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM run_summaries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete summary: %w", err)
	}
	return nil
}

// SaveFixAttempts replaces the fix attempts of a run. The run's summary
// must already exist.
func (b *Backend) SaveFixAttempts(ctx context.Context, runID string, attempts []run.FixAttempt) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM fix_attempts WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to clear fix attempts: %w", err)
	}

	query := `
		INSERT INTO fix_attempts (run_id, number, snapshot, payload, applied, apply_details,
			verified, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, fa := range attempts {
		snapshotJSON, err := json.Marshal(fa.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		var payloadJSON []byte
		if fa.Payload != nil {
			payloadJSON, err = json.Marshal(fa.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
		}

		var verified any
		if fa.Verified != nil {
			verified = boolInt(*fa.Verified)
		}

		_, err = tx.ExecContext(ctx, query,
			runID, fa.Number, string(snapshotJSON), nullBytes(payloadJSON),
			boolInt(fa.Applied), nullString(fa.ApplyDetails), verified, nullString(fa.Error),
			fa.StartedAt.UnixNano(), fa.CompletedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to save fix attempt %d: %w", fa.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fix attempts: %w", err)
	}
	return nil
}

// ListFixAttempts returns the fix attempts of a run ordered by number.
func (b *Backend) ListFixAttempts(ctx context.Context, runID string) ([]run.FixAttempt, error) {
	query := `
		SELECT number, snapshot, payload, applied, apply_details, verified, error, started_at, completed_at
		FROM fix_attempts WHERE run_id = ? ORDER BY number
	`

	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fix attempts: %w", err)
	}
	defer rows.Close()

	var attempts []run.FixAttempt
	for rows.Next() {
		var fa run.FixAttempt
		var snapshotJSON string
		var payloadJSON, applyDetails, errorStr sql.NullString
		var applied int
		var verified sql.NullInt64
		var startedAt, completedAt int64

		if err := rows.Scan(&fa.Number, &snapshotJSON, &payloadJSON, &applied, &applyDetails,
			&verified, &errorStr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fix attempt: %w", err)
		}

		if err := json.Unmarshal([]byte(snapshotJSON), &fa.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			var p run.FixPayload
			if err := json.Unmarshal([]byte(payloadJSON.String), &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
			fa.Payload = &p
		}
		if verified.Valid {
			v := verified.Int64 == 1
			fa.Verified = &v
		}

		fa.RunID = runID
		fa.Applied = applied == 1
		fa.ApplyDetails = applyDetails.String
		fa.Error = errorStr.String
		fa.StartedAt = time.Unix(0, startedAt)
		fa.CompletedAt = time.Unix(0, completedAt)

		attempts = append(attempts, fa)
	}

	return attempts, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*run.Summary, error) {
	var s run.Summary
	var state string
	var errorStr sql.NullString
	var duration, createdAt int64
	var startedAt, completedAt sql.NullInt64

	if err := row.Scan(&s.ID, &s.Pipeline, &state, &s.Attempt, &s.FixAttempts,
		&errorStr, &duration, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	s.State = run.State(state)
	s.Error = errorStr.String
	s.Duration = time.Duration(duration)
	s.CreatedAt = time.Unix(0, createdAt)
	s.StartedAt = parseTime(startedAt)
	s.CompletedAt = parseTime(completedAt)
	return &s, nil
}

// Helper functions

// formatTime converts a *time.Time to unix nanoseconds or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func parseTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
