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

/*
Package tracing provides OpenTelemetry tracing and metrics for pipeline runs.

# Overview

A Provider owns a tracer provider and a meter provider. Spans are exported
through one of three exporters (stdout, otlp-http, otlp-grpc); metrics are
exposed in Prometheus format through the OpenTelemetry Prometheus exporter.

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    Enabled:     true,
	    ServiceName: "autofix",
	    Exporter:    "otlp-http",
	    Endpoint:    "localhost:4318",
	    SampleRate:  0.25,
	})
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

# Spans

StartRun, StartStage and StartTask create spans with consistent attribute
names (autofix.run_id, autofix.pipeline, autofix.stage, autofix.task).
Failed spans are always sampled regardless of the configured rate.

# Metrics

MetricsCollector records run, stage, task and fix attempt counts and
durations. The collector is safe for concurrent use.
*/
package tracing
