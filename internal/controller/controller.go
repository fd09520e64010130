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

package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/autofix/internal/config"
	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/internal/controller/auth"
	"github.com/tombee/autofix/internal/controller/backend"
	"github.com/tombee/autofix/internal/controller/backend/memory"
	"github.com/tombee/autofix/internal/controller/backend/sqlite"
	"github.com/tombee/autofix/internal/controller/capability"
	"github.com/tombee/autofix/internal/controller/catalog"
	"github.com/tombee/autofix/internal/controller/executor"
	"github.com/tombee/autofix/internal/controller/health"
	"github.com/tombee/autofix/internal/controller/middleware"
	"github.com/tombee/autofix/internal/controller/observer"
	"github.com/tombee/autofix/internal/controller/recovery"
	"github.com/tombee/autofix/internal/controller/scheduler"
	"github.com/tombee/autofix/internal/controller/store"
	"github.com/tombee/autofix/internal/controller/webhook"
	"github.com/tombee/autofix/internal/jq"
	internallog "github.com/tombee/autofix/internal/log"
	"github.com/tombee/autofix/internal/tracing"
	"github.com/tombee/autofix/pkg/httpclient"
	"github.com/tombee/autofix/pkg/pipeline/expression"
)

// Options contains controller options set at build time or by the caller.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Serve starts the HTTP API and webhook listener on cfg.Server.Addr.
	Serve bool

	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger

	// Registerer receives the OpenTelemetry Prometheus exporter. Defaults
	// to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Fixer and Applier override the command-based implementations
	// configured in cfg.Fixer and cfg.Applier.
	Fixer   recovery.Fixer
	Applier recovery.Applier

	// Actions registers extra task actions next to the builtins.
	Actions map[string]capability.Handler
}

// Controller owns every component of a running orchestrator.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	registry  *capability.Registry
	catalog   *catalog.Catalog
	backend   backend.Backend
	provider  *tracing.Provider
	recorder  *observer.Recorder
	alerter   *observer.Alerter
	store     *store.Store
	pipelines *executor.PipelineExecutor
	recovery  *recovery.Loop
	breaker   *recovery.BreakerFixer
	scheduler *scheduler.Scheduler
	health    *health.Checker

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a controller from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}

	c := &Controller{
		cfg:    cfg,
		opts:   opts,
		logger: internallog.WithComponent(logger, "controller"),
	}

	jqExec := jq.NewExecutor(0, 0)
	evaluator := expression.New()

	c.registry = capability.NewRegistry()
	if err := capability.RegisterBuiltins(c.registry, capability.BuiltinConfig{JQ: jqExec}); err != nil {
		return nil, fmt.Errorf("failed to register builtin actions: %w", err)
	}
	for name, h := range opts.Actions {
		if err := c.registry.Register(name, h); err != nil {
			return nil, fmt.Errorf("failed to register action %s: %w", name, err)
		}
	}

	c.catalog = catalog.New(catalog.Config{
		Dir:       cfg.Pipelines.Dir,
		Pattern:   cfg.Pipelines.Pattern,
		Actions:   c.registry,
		Evaluator: evaluator,
		Logger:    logger,
		Debounce:  cfg.Pipelines.ReloadDebounce,
	})
	if cfg.Pipelines.Dir != "" {
		if _, err := c.catalog.Reload(); err != nil {
			// A missing directory is not fatal: definitions may be added
			// later or the directory created while watching.
			c.logger.Warn("failed to load pipeline definitions",
				slog.String("dir", cfg.Pipelines.Dir),
				internallog.Error(err))
		}
	}

	be, err := newBackend(cfg.Store.Backend)
	if err != nil {
		return nil, err
	}
	c.backend = be

	provider, err := tracing.NewProvider(context.Background(), observabilityToTracingConfig(cfg.Observability, opts))
	if err != nil {
		_ = be.Close()
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}
	c.provider = provider
	tracer := provider.Tracer("autofix")

	c.recorder = observer.NewRecorder(0)
	observers := []observer.Observer{
		observer.NewLogger(logger),
		observer.NewMetrics(provider.MetricsCollector()),
		c.recorder,
	}
	if cfg.Alerts.Enabled {
		alerter, err := c.newAlerter(logger)
		if err != nil {
			c.closeResources(context.Background())
			return nil, err
		}
		c.alerter = alerter
		observers = append(observers, alerter)
	}
	obs := observer.NewMulti(logger, observers...)

	c.store = store.New(
		store.WithBackend(be),
		store.WithObserver(obs),
		store.WithLogger(logger),
	)

	execOpts := []executor.Option{
		executor.WithObserver(obs),
		executor.WithTracer(tracer),
		executor.WithLogger(logger),
		executor.WithEvaluator(evaluator),
		executor.WithPipelineTimeout(cfg.Pipelines.TimeoutFor),
	}
	stages := executor.NewStageExecutor(c.store, c.registry, execOpts...)
	c.pipelines = executor.NewPipelineExecutor(c.store, stages, execOpts...)

	recoveryOpts := []recovery.Option{
		recovery.WithTracer(tracer),
		recovery.WithLogger(logger),
	}
	fixer := opts.Fixer
	if fixer == nil && len(cfg.Fixer.Command) > 0 {
		fixer = &recovery.CommandFixer{Command: cfg.Fixer.Command, Dir: cfg.Fixer.Dir, Logger: logger}
	}
	if fixer != nil {
		c.breaker = recovery.NewBreakerFixer(fixer, recovery.BreakerConfig{
			MaxFailures: cfg.Fixer.Breaker.MaxFailures,
			OpenTimeout: cfg.Fixer.Breaker.OpenTimeout,
			Logger:      logger,
		})
		recoveryOpts = append(recoveryOpts, recovery.WithFixer(c.breaker))
	}
	applier := opts.Applier
	if applier == nil && len(cfg.Applier.Command) > 0 {
		applier = &recovery.CommandApplier{Command: cfg.Applier.Command, Dir: cfg.Applier.Dir}
	}
	if applier != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithApplier(applier))
	}
	c.recovery = recovery.New(c.store, c.pipelines, recovery.Config{
		AutoFix:    cfg.Orchestrator.AutoFixEnabled,
		MaxRetries: cfg.Orchestrator.MaxFixRetries,
		FixTimeout: cfg.Orchestrator.FixTimeout,
	}, recoveryOpts...)

	c.scheduler = scheduler.New(c.store, c.work, scheduler.Config{
		MaxParallel:  cfg.Orchestrator.MaxParallelPipelines,
		TickInterval: cfg.Orchestrator.TickInterval,
		Logger:       logger,
	})

	c.health = c.newHealthChecker(logger)

	if opts.Serve {
		handler, err := c.newHTTPHandler(logger, jqExec)
		if err != nil {
			c.closeResources(context.Background())
			return nil, err
		}
		c.server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return c, nil
}

func newBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return be, nil
	default:
		return nil, fmt.Errorf("unknown store backend type %q", cfg.Type)
	}
}

func (c *Controller) newAlerter(logger *slog.Logger) (*observer.Alerter, error) {
	severity, err := observer.ParseSeverity(c.cfg.Alerts.MinSeverity)
	if err != nil {
		return nil, err
	}

	var client *http.Client
	if c.cfg.Alerts.WebhookURL != "" {
		client, err = httpclient.New(httpclient.Options{
			Timeout:     30 * time.Second,
			MaxRetries:  2,
			MaxDelay:    5 * time.Second,
			UserAgent:   "autofix/" + c.opts.Version,
			RetryUnsafe: true,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create alert client: %w", err)
		}
	}

	return observer.NewAlerter(observer.AlerterConfig{
		MinSeverity: severity,
		WebhookURL:  c.cfg.Alerts.WebhookURL,
		Channel:     c.cfg.Alerts.Channel,
		Username:    c.cfg.Alerts.Username,
		QueueSize:   c.cfg.Alerts.QueueSize,
		Client:      client,
		Logger:      logger,
	}), nil
}

func (c *Controller) newHealthChecker(logger *slog.Logger) *health.Checker {
	checker := health.NewChecker(health.DefaultTimeout, logger)

	checker.Register("scheduler", func(ctx context.Context) error {
		if c.scheduler.IsDraining() {
			return fmt.Errorf("draining: %d active, %d queued", c.scheduler.Active(), c.scheduler.Queued())
		}
		return nil
	})
	checker.Register("store", func(ctx context.Context) error {
		_, err := c.backend.ListSummaries(ctx, backend.SummaryFilter{Limit: 1})
		return err
	})
	checker.Register("catalog", func(ctx context.Context) error {
		if len(c.catalog.Names()) == 0 {
			return fmt.Errorf("no pipeline definitions loaded")
		}
		return nil
	})
	if c.breaker != nil {
		checker.Register("fixer", func(ctx context.Context) error {
			if state := c.breaker.State(); state == "open" {
				return fmt.Errorf("circuit breaker %s", state)
			}
			return nil
		})
	}
	return checker
}

func (c *Controller) newHTTPHandler(logger *slog.Logger, jqExec *jq.Executor) (http.Handler, error) {
	srv := c.cfg.Server

	authMw := auth.NewMiddleware(auth.Config{
		Enabled: srv.Auth.Enabled,
		JWT: auth.JWTConfig{
			Secret: []byte(srv.Auth.Secret),
			Issuer: srv.Auth.Issuer,
		},
		Logger: logger,
	})
	limiter := auth.NewRateLimiter(auth.RateLimitConfig{
		Enabled:           srv.RateLimit.RPS > 0,
		RequestsPerSecond: srv.RateLimit.RPS,
		BurstSize:         srv.RateLimit.Burst,
	})

	var metricsHandler http.Handler
	if c.cfg.Observability.Metrics.Enabled {
		metricsHandler = c.provider.MetricsHandler()
	}

	router := api.NewRouter(c, api.Config{
		Version:     c.opts.Version,
		Commit:      c.opts.Commit,
		BuildDate:   c.opts.BuildDate,
		Auth:        authMw,
		RateLimiter: limiter,
		Metrics:     metricsHandler,
		CORS:        middleware.CORSConfig{AllowedOrigins: srv.CORS.AllowedOrigins},
		Logger:      logger,
	})

	routes := make([]webhook.Route, len(c.cfg.Webhooks.Routes))
	for i, r := range c.cfg.Webhooks.Routes {
		routes[i] = webhook.Route{
			Path:         r.Path,
			Source:       r.Source,
			Pipeline:     r.Pipeline,
			Events:       r.Events,
			Secret:       r.Secret,
			InputMapping: r.InputMapping,
		}
	}
	hooks, err := webhook.NewRouter(routes, c, jqExec, logger)
	if err != nil {
		return nil, err
	}
	hooks.RegisterRoutes(router.Mux())

	return router.Handler(), nil
}

// Start runs the scheduler, the retention loop and, when configured, the
// definition watcher and HTTP server. It returns once everything is
// running. Runs keep ctx's values but not its cancellation; only Shutdown
// stops them.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("controller already started")
	}
	if c.stopped {
		return fmt.Errorf("controller already shut down")
	}

	if c.server != nil {
		ln, err := net.Listen("tcp", c.server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", c.server.Addr, err)
		}
		c.ln = ln
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = true

	c.scheduler.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.store.StartRetention(ctx, c.cfg.Store.RetentionInterval, c.cfg.Store.Retention)
	}()

	if c.cfg.Pipelines.Watch && c.cfg.Pipelines.Dir != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.catalog.Watch(ctx); err != nil {
				c.logger.Error("pipeline watcher stopped", internallog.Error(err))
			}
		}()
	}

	if c.alerter != nil {
		c.alerter.Start(ctx)
	}

	if c.ln != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Info("HTTP server listening", slog.String("addr", c.ln.Addr().String()))
			if err := c.server.Serve(c.ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				c.logger.Error("HTTP server error", internallog.Error(err))
			}
		}()
	}

	c.logger.Info("controller started",
		slog.String("version", c.opts.Version),
		slog.Int("pipelines", len(c.catalog.Names())),
		slog.Int("max_parallel", c.scheduler.Limit()))
	return nil
}

// Addr returns the address the HTTP server listens on, or "" when it is
// not serving.
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Shutdown stops accepting runs, waits up to the drain timeout for
// in-flight runs, cancels what is left and releases every resource.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	c.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", c.scheduler.Active()),
		slog.Int("queued_runs", c.scheduler.Queued()))

	c.scheduler.StartDraining()
	if c.server != nil {
		c.server.SetKeepAlivesEnabled(false)
	}

	if c.started {
		drain := c.cfg.Orchestrator.DrainTimeout
		if err := c.scheduler.WaitForDrain(ctx, drain); err != nil {
			c.logger.Warn("drain timeout exceeded",
				slog.Int("remaining_runs", c.scheduler.Active()+c.scheduler.Queued()),
				slog.Duration("drain_timeout", drain))
		} else {
			c.logger.Info("all runs completed during drain")
		}
	}

	// Runs that ignore the stop signal lose their context once the grace
	// period is over.
	stopCtx, cancelStop := context.WithTimeout(ctx, c.cfg.Server.ShutdownTimeout)
	err := c.scheduler.Stop(stopCtx)
	cancelStop()
	if err != nil && c.cancel != nil {
		c.logger.Warn("scheduler stop timeout, cancelling runs", internallog.Error(err))
		c.cancel()
		if err := c.scheduler.Stop(ctx); err != nil {
			c.logger.Warn("scheduler stop timeout", internallog.Error(err))
		}
	}

	if c.server != nil && c.ln != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.Server.ShutdownTimeout)
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
		cancel()
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.closeResources(ctx)
	c.logger.Info("controller stopped")
	return nil
}

func (c *Controller) closeResources(ctx context.Context) {
	if c.alerter != nil {
		c.alerter.Close()
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			c.logger.Error("failed to close backend", internallog.Error(err))
		}
	}
	if c.provider != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.provider.Shutdown(flushCtx); err != nil {
			c.logger.Error("failed to shut down tracing", internallog.Error(err))
		}
	}
}

func observabilityToTracingConfig(obs config.ObservabilityConfig, opts Options) tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = obs.Tracing.Enabled
	cfg.Exporter = obs.Tracing.Exporter
	cfg.Endpoint = obs.Tracing.Endpoint
	cfg.Insecure = obs.Tracing.Insecure
	cfg.SampleRate = obs.Tracing.SampleRate
	cfg.Registerer = opts.Registerer
	if obs.Tracing.ServiceName != "" {
		cfg.ServiceName = obs.Tracing.ServiceName
	}
	if opts.Version != "" {
		cfg.ServiceVersion = opts.Version
	}
	return cfg
}
