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

import (
	"context"
	"log/slog"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
)

// Logger writes events to a structured logger.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logging observer.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: log.WithComponent(logger, "run")}
}

// Name implements Named.
func (l *Logger) Name() string { return "logger" }

// OnTransition implements Observer.
func (l *Logger) OnTransition(e TransitionEvent) {
	level := slog.LevelInfo
	switch e.To {
	case run.StateFailed:
		level = slog.LevelWarn
	case run.StateEscalated:
		level = slog.LevelError
	}

	attrs := []any{
		slog.String(log.RunIDKey, e.RunID),
		slog.String(log.PipelineKey, e.Pipeline),
		slog.String("from", string(e.From)),
		slog.String(log.StateKey, string(e.To)),
		slog.Int(log.AttemptKey, e.Attempt),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.To.IsTerminal() {
		attrs = append(attrs, log.Duration("duration", e.Elapsed))
	}

	l.logger.Log(context.Background(), level, "run state changed", attrs...)
}

// OnResult implements Observer.
func (l *Logger) OnResult(e ResultEvent) {
	level := slog.LevelDebug
	if e.Outcome == run.OutcomeFailure {
		level = slog.LevelWarn
	}

	msg := "task finished"
	attrs := []any{
		slog.String(log.RunIDKey, e.RunID),
		slog.String(log.StageKey, e.Stage),
		slog.String("outcome", string(e.Outcome)),
		slog.Int(log.AttemptKey, e.Attempt),
		log.Duration("duration", e.Duration),
	}
	if e.IsStage() {
		msg = "stage finished"
	} else {
		attrs = append(attrs, slog.String(log.TaskKey, e.Task), slog.String("action", e.Action))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	l.logger.Log(context.Background(), level, msg, attrs...)
}
