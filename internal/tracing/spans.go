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

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRunID    = "autofix.run_id"
	AttrPipeline = "autofix.pipeline"
	AttrStage    = "autofix.stage"
	AttrTask     = "autofix.task"
	AttrAction   = "autofix.action"
	AttrAttempt  = "autofix.attempt"
	AttrOutcome  = "autofix.outcome"
	AttrSpanType = "span.type"
)

// Span wraps an OpenTelemetry span with run-specific helpers. A nil *Span
// is valid and does nothing.
type Span struct {
	span trace.Span
}

// StartRun creates a span for one execution pass of a pipeline run.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, pipeline string, attempt int) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("pipeline.run: %s", pipeline),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrPipeline, pipeline),
			attribute.String(AttrRunID, runID),
			attribute.Int(AttrAttempt, attempt),
			attribute.String(AttrSpanType, "pipeline.run"),
		),
	)

	return ctx, &Span{span: span}
}

// StartStage creates a span for a stage execution.
func StartStage(ctx context.Context, tracer trace.Tracer, stage string, parallel bool) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("stage: %s", stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrStage, stage),
			attribute.Bool("stage.parallel", parallel),
			attribute.String(AttrSpanType, "pipeline.stage"),
		),
	)

	return ctx, &Span{span: span}
}

// StartTask creates a span for a task execution.
func StartTask(ctx context.Context, tracer trace.Tracer, task, action string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("task: %s", task),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrTask, task),
			attribute.String(AttrAction, action),
			attribute.String(AttrSpanType, "pipeline.task"),
		),
	)

	return ctx, &Span{span: span}
}

// StartFix creates a span for one fix attempt.
func StartFix(ctx context.Context, tracer trace.Tracer, runID string, attempt int) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "recovery.fix",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.Int(AttrAttempt, attempt),
			attribute.String(AttrSpanType, "recovery.fix"),
		),
	)

	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}
	s.span.SetAttributes(otelAttrs...)
}

// SetOutcome records the outcome attribute and maps failure to an error
// status.
func (s *Span) SetOutcome(outcome, message string) {
	if s == nil || s.span == nil {
		return
	}

	s.span.SetAttributes(attribute.String(AttrOutcome, outcome))
	if outcome == "failure" {
		s.span.SetStatus(codes.Error, message)
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// RecordError records an error that occurred during execution.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}

	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End marks the span as complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
