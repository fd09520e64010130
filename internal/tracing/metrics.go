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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for pipeline runs
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal        metric.Int64Counter
	stagesTotal      metric.Int64Counter
	tasksTotal       metric.Int64Counter
	fixAttemptsTotal metric.Int64Counter
	transitionsTotal metric.Int64Counter

	// Histograms
	runDuration   metric.Float64Histogram
	stageDuration metric.Float64Histogram
	taskDuration  metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("autofix")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"autofix_runs_total",
		metric.WithDescription("Total number of pipeline runs reaching a terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stagesTotal, err = meter.Int64Counter(
		"autofix_stages_total",
		metric.WithDescription("Total number of stage executions"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, err
	}

	mc.tasksTotal, err = meter.Int64Counter(
		"autofix_tasks_total",
		metric.WithDescription("Total number of task executions"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	mc.fixAttemptsTotal, err = meter.Int64Counter(
		"autofix_fix_attempts_total",
		metric.WithDescription("Total number of automated fix attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	mc.transitionsTotal, err = meter.Int64Counter(
		"autofix_state_transitions_total",
		metric.WithDescription("Total number of run state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"autofix_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stageDuration, err = meter.Float64Histogram(
		"autofix_stage_duration_seconds",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.taskDuration, err = meter.Float64Histogram(
		"autofix_task_duration_seconds",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"autofix_active_runs",
		metric.WithDescription("Number of runs currently executing or being fixed"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records a run being admitted
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, pipeline string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records a run reaching a terminal state
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, pipeline, state string, attempts int, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("pipeline", pipeline),
		attribute.String("state", state),
		attribute.Bool("fixed", attempts > 0),
	}

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTransition records a state transition
func (mc *MetricsCollector) RecordTransition(ctx context.Context, pipeline, from, to string) {
	mc.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordStageComplete records the completion of a stage
func (mc *MetricsCollector) RecordStageComplete(ctx context.Context, pipeline, stage, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline", pipeline),
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	}

	mc.stagesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTaskComplete records the completion of a task
func (mc *MetricsCollector) RecordTaskComplete(ctx context.Context, pipeline, action, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline", pipeline),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	}

	mc.tasksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFixAttempt records one fix attempt. result is one of applied,
// fixer_error, apply_error.
func (mc *MetricsCollector) RecordFixAttempt(ctx context.Context, pipeline, result string) {
	mc.fixAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("result", result),
	))
}

// ActiveRuns returns the number of runs between start and completion.
func (mc *MetricsCollector) ActiveRuns() int {
	mc.activeRunsMu.RLock()
	defer mc.activeRunsMu.RUnlock()
	return len(mc.activeRuns)
}
