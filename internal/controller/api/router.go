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

// Package api serves the orchestrator's HTTP control surface: triggering
// pipelines, inspecting and cancelling runs, and health.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/autofix/internal/controller/auth"
	"github.com/tombee/autofix/internal/controller/health"
	"github.com/tombee/autofix/internal/controller/middleware"
	"github.com/tombee/autofix/internal/controller/run"
	internallog "github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/pkg/pipeline"
)

const maxRequestBodySize = 1 << 20

// Orchestrator is the subset of the controller the API drives.
type Orchestrator interface {
	TriggerPipeline(ctx context.Context, name string, inputs map[string]any, source string) (string, error)
	GetRun(id string) (*run.Run, error)
	GetSummary(ctx context.Context, id string) (*run.Summary, []run.FixAttempt, error)
	GetHistory(ctx context.Context, pipeline string, limit int) ([]run.Summary, error)
	Cancel(ctx context.Context, id string) error
	Pipelines() []*pipeline.Definition
	PipelineEnabled(name string) bool
	Health(ctx context.Context) health.Report
	IsDraining() bool
}

// Config contains router configuration.
type Config struct {
	Version   string
	Commit    string
	BuildDate string

	// Auth guards every /v1 route except health and version. Nil disables
	// authentication.
	Auth *auth.Middleware

	// RateLimiter throttles trigger requests. Nil disables limiting.
	RateLimiter *auth.RateLimiter

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	CORS   middleware.CORSConfig
	Logger *slog.Logger
}

// Router handles HTTP requests for the control API.
type Router struct {
	orch      Orchestrator
	config    Config
	logger    *slog.Logger
	mux       *http.ServeMux
	startTime time.Time
}

// NewRouter creates a router and registers its routes.
func NewRouter(orch Orchestrator, cfg Config) *Router {
	if cfg.Auth == nil {
		cfg.Auth = auth.NewMiddleware(auth.Config{})
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = auth.NewRateLimiter(auth.RateLimitConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		orch:      orch,
		config:    cfg,
		logger:    internallog.WithComponent(logger, "api"),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	r.RegisterRoutes(r.mux)
	return r
}

// RegisterRoutes registers the API routes on mux.
func (r *Router) RegisterRoutes(mux *http.ServeMux) {
	guard := func(scope string, h http.HandlerFunc) http.Handler {
		return r.config.Auth.Require(scope, h)
	}

	mux.Handle("GET /v1/pipelines", guard(auth.ScopeRead, r.handleListPipelines))
	mux.Handle("GET /v1/pipelines/{name}/history", guard(auth.ScopeRead, r.handleHistory))
	mux.Handle("POST /v1/pipelines/{name}/runs",
		guard(auth.ScopeTrigger, r.config.RateLimiter.Wrap(http.HandlerFunc(r.handleTrigger)).ServeHTTP))
	mux.Handle("GET /v1/runs/{id}", guard(auth.ScopeRead, r.handleGetRun))
	mux.Handle("POST /v1/runs/{id}/cancel", guard(auth.ScopeCancel, r.handleCancel))

	mux.HandleFunc("GET /v1/health", r.handleHealth)
	mux.HandleFunc("GET /v1/version", r.handleVersion)
	if r.config.Metrics != nil {
		mux.Handle("GET /metrics", r.config.Metrics)
	}
}

// Mux returns the underlying mux so other routers (webhooks) can share it.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// Handler returns the mux wrapped in request logging and CORS.
func (r *Router) Handler() http.Handler {
	return internallog.HTTPMiddleware(r.logger)(middleware.CORS(r.config.CORS)(r.mux))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
