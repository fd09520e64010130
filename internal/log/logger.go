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

// Package log builds the slog loggers used by the server and the CLI and
// defines the field keys shared by every component.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace sits below debug and carries raw fixer exchanges.
const LevelTrace = slog.Level(-8)

// Field keys.
const (
	RunIDKey    = "run_id"
	PipelineKey = "pipeline"
	StageKey    = "stage"
	TaskKey     = "task"
	AttemptKey  = "attempt"
	StateKey    = "state"
	DurationKey = "duration_ms"
	EventKey    = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level is trace, debug, info, warn or error. Default: info.
	Level string

	// Format is json or text. Default: json.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource adds file:line to each record.
	AddSource bool
}

// DefaultConfig returns info-level JSON logging to stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv starts from DefaultConfig and applies, in order of precedence:
//
//	AUTOFIX_DEBUG=1|true   debug level with source locations
//	AUTOFIX_LOG_LEVEL      level
//	LOG_LEVEL              level
//	LOG_FORMAT             json or text
//	LOG_SOURCE=1           source locations
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch debug := os.Getenv("AUTOFIX_DEBUG"); {
	case debug == "1" || debug == "true":
		cfg.Level = "debug"
		cfg.AddSource = true
	case debug != "":
		// Any other value disables the level variables.
	case os.Getenv("AUTOFIX_LOG_LEVEL") != "":
		cfg.Level = strings.ToLower(os.Getenv("AUTOFIX_LOG_LEVEL"))
	case os.Getenv("LOG_LEVEL") != "":
		cfg.Level = strings.ToLower(os.Getenv("LOG_LEVEL"))
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New creates a logger. A nil cfg uses DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.Any() == LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	}

	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags logger with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext tags logger with a run id and pipeline name.
func WithRunContext(logger *slog.Logger, runID, pipeline string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(PipelineKey, pipeline))
}

// Error returns the conventional attribute for err.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration returns key+"_ms" with d in milliseconds.
func Duration(key string, d time.Duration) slog.Attr {
	return slog.Int64(key+"_ms", d.Milliseconds())
}

// Trace logs at LevelTrace.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if logger.Enabled(ctx, LevelTrace) {
		logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
	}
}
