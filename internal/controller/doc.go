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
Package controller wires the autofix orchestrator together.

A Controller owns one instance of every component and exposes the
operations used by the CLI, the HTTP API and webhooks:

  - Catalog: pipeline definitions loaded from disk, optionally watched
  - Store: the in-memory run state, backed by a history backend
  - Scheduler: admits runs up to max_parallel_pipelines
  - Executors: run stages and tasks through the capability registry
  - Recovery: asks the fixer for a fix, applies it and re-runs the pipeline
  - Observers: structured logs, metrics, alerts and a recent-event recorder

# Usage

	cfg, _ := config.Load("")
	c, err := controller.New(cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    log.Fatal(err)
	}
	if err := c.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	id, err := c.TriggerPipeline(ctx, "build", nil, "cli")
	...
	c.Shutdown(context.Background())

# Subpackages

  - run: the Run model and its state machine
  - store: serialized run updates, retention and history
  - backend: summary persistence (memory, sqlite)
  - executor: stage and pipeline execution
  - recovery: the fix, apply and re-run loop
  - scheduler: FIFO admission with a concurrency limit
  - catalog, filewatcher: definition loading and hot reload
  - api, webhook, auth, middleware, health: the HTTP surface
  - observer, metrics: event sinks and Prometheus counters
*/
package controller
