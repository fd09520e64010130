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

// Package webhook turns signed HTTP callbacks from code hosts and CI
// systems into pipeline runs.
package webhook

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/tombee/autofix/internal/controller/scheduler"
	"github.com/tombee/autofix/internal/jq"
	"github.com/tombee/autofix/pkg/errors"
)

// Source types.
const (
	SourceGitHub  = "github"
	SourceGeneric = "generic"
)

// MaxBodySize bounds webhook request bodies.
const MaxBodySize = 1 << 20

// Route maps a webhook path to a pipeline.
type Route struct {
	// Path is the URL path to match, e.g. "/webhooks/github".
	Path string

	// Source selects signature and event parsing: github or generic.
	Source string

	// Pipeline is the pipeline to trigger.
	Pipeline string

	// Events limits which events trigger the pipeline. Empty means all.
	Events []string

	// Secret enables signature verification when set.
	Secret string

	// InputMapping maps input names to jq expressions evaluated against
	// the payload, with $event bound to the event name.
	InputMapping map[string]string
}

// Trigger starts pipeline runs.
type Trigger interface {
	TriggerPipeline(ctx context.Context, name string, inputs map[string]any, source string) (string, error)
	IsDraining() bool
}

// Handler processes webhooks for a specific source type.
type Handler interface {
	// Verify verifies the webhook signature.
	Verify(r *http.Request, body []byte, secret string) error

	// ParseEvent parses the event type from the request.
	ParseEvent(r *http.Request) string

	// ExtractPayload extracts the payload as a map.
	ExtractPayload(body []byte) (map[string]any, error)
}

// Router routes incoming webhooks to pipelines.
type Router struct {
	routes   []Route
	trigger  Trigger
	jq       *jq.Executor
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRouter validates the routes and creates a router. Every input mapping
// expression is compiled up front so a typo fails at startup.
func NewRouter(routes []Route, trigger Trigger, executor *jq.Executor, logger *slog.Logger) (*Router, error) {
	if executor == nil {
		executor = jq.NewExecutor(5*time.Second, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	router := &Router{
		routes:  routes,
		trigger: trigger,
		jq:      executor,
		handlers: map[string]Handler{
			SourceGitHub:  &GitHubHandler{},
			SourceGeneric: &GenericHandler{},
		},
		logger: logger.With(slog.String("component", "webhook")),
	}

	seen := make(map[string]bool)
	for i, route := range routes {
		field := fmt.Sprintf("webhooks.routes[%d]", i)
		if route.Path == "" || route.Pipeline == "" {
			return nil, &errors.ConfigError{Key: field, Reason: "path and pipeline are required"}
		}
		if seen[route.Path] {
			return nil, &errors.ConfigError{Key: field + ".path", Reason: fmt.Sprintf("duplicate path %s", route.Path)}
		}
		seen[route.Path] = true
		if _, ok := router.handlers[route.source()]; !ok {
			return nil, &errors.ConfigError{Key: field + ".source", Reason: fmt.Sprintf("unknown source %q", route.Source)}
		}
		for name, expr := range route.InputMapping {
			if err := executor.Validate(expr, "event"); err != nil {
				return nil, &errors.ConfigError{Key: field + ".input_mapping." + name, Reason: "invalid jq expression", Cause: err}
			}
		}
	}
	return router, nil
}

func (r Route) source() string {
	if r.Source == "" {
		return SourceGeneric
	}
	return r.Source
}

// RegisterRoutes registers a POST handler for every route on mux.
func (router *Router) RegisterRoutes(mux *http.ServeMux) {
	for _, route := range router.routes {
		mux.HandleFunc("POST "+route.Path, func(w http.ResponseWriter, r *http.Request) {
			router.handleWebhook(w, r, route)
		})
	}
}

func (router *Router) handleWebhook(w http.ResponseWriter, r *http.Request, route Route) {
	if router.trigger.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "orchestrator is shutting down")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read body")
		return
	}

	handler := router.handlers[route.source()]

	if route.Secret != "" {
		if err := handler.Verify(r, body, route.Secret); err != nil {
			router.logger.Warn("webhook signature verification failed",
				slog.String("path", route.Path),
				slog.String("source", route.source()),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	event := handler.ParseEvent(r)
	if route.source() == SourceGitHub && event == GitHubEventPing {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	if len(route.Events) > 0 && !slices.Contains(route.Events, event) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": fmt.Sprintf("event %q not in configured events", event),
		})
		return
	}

	payload, err := handler.ExtractPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse payload: %v", err))
		return
	}

	inputs, err := router.mapInputs(r.Context(), payload, route.InputMapping, event)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	runID, err := router.trigger.TriggerPipeline(r.Context(), route.Pipeline, inputs, "webhook:"+route.source())
	if err != nil {
		status := http.StatusInternalServerError
		var cfgErr *errors.ConfigError
		switch {
		case stderrors.Is(err, scheduler.ErrDraining):
			status = http.StatusServiceUnavailable
		case errors.As(err, &cfgErr):
			status = http.StatusNotFound
		}
		router.logger.Error("failed to trigger pipeline",
			slog.String("pipeline", route.Pipeline), slog.Any("error", err))
		writeError(w, status, fmt.Sprintf("failed to trigger pipeline: %v", err))
		return
	}

	router.logger.Info("webhook triggered pipeline",
		slog.String("pipeline", route.Pipeline),
		slog.String("run_id", runID),
		slog.String("event", event))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "triggered",
		"run_id":   runID,
		"pipeline": route.Pipeline,
		"event":    event,
	})
}

// mapInputs builds run inputs from the payload. Without a mapping the
// top-level payload fields become inputs. "_event" is always set.
func (router *Router) mapInputs(ctx context.Context, payload map[string]any, mapping map[string]string, event string) (map[string]any, error) {
	inputs := map[string]any{"_event": event}

	if len(mapping) == 0 {
		for k, v := range payload {
			inputs[k] = v
		}
		return inputs, nil
	}

	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := map[string]any{"event": event}
	for _, name := range names {
		value, err := router.jq.Execute(ctx, mapping[name], payload, vars)
		if err != nil {
			return nil, fmt.Errorf("mapping input %s: %w", name, err)
		}
		if value != nil {
			inputs[name] = value
		}
	}
	return inputs, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
