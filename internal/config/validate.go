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

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	validLogLevels   = []string{"debug", "info", "warn", "warning", "error"}
	validLogFormats  = []string{"json", "text"}
	validBackends    = []string{"memory", "sqlite"}
	validSeverities  = []string{"info", "warning", "error", "critical"}
	validExporters   = []string{"stdout", "otlp-http", "otlp-grpc"}
	validHookSources = []string{"github", "generic"}
)

func oneOf(val string, allowed []string) bool {
	for _, a := range allowed {
		if val == a {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is valid. All problems are
// collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if !oneOf(c.Log.Level, validLogLevels) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [%s], got %q", strings.Join(validLogLevels, ", "), c.Log.Level))
	}
	if !oneOf(c.Log.Format, validLogFormats) {
		errs = append(errs, fmt.Sprintf("log.format must be one of [%s], got %q", strings.Join(validLogFormats, ", "), c.Log.Format))
	}

	o := c.Orchestrator
	if o.MaxParallelPipelines < 1 {
		errs = append(errs, fmt.Sprintf("orchestrator.max_parallel_pipelines must be at least 1, got %d", o.MaxParallelPipelines))
	}
	if o.MaxFixRetries < 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.max_fix_retries must not be negative, got %d", o.MaxFixRetries))
	}
	if o.FixTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.fix_timeout must be positive, got %v", o.FixTimeout))
	}
	if o.DrainTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.drain_timeout must be positive, got %v", o.DrainTimeout))
	}
	if o.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.tick_interval must be positive, got %v", o.TickInterval))
	}

	if !doublestar.ValidatePattern(c.Pipelines.Pattern) {
		errs = append(errs, fmt.Sprintf("pipelines.pattern is not a valid glob: %q", c.Pipelines.Pattern))
	}
	for name, s := range c.Pipelines.Settings {
		if s.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("pipelines.settings.%s.timeout must not be negative", name))
		}
	}

	if c.Store.Retention <= 0 {
		errs = append(errs, fmt.Sprintf("store.retention must be positive, got %v", c.Store.Retention))
	}
	if c.Store.RetentionInterval <= 0 {
		errs = append(errs, fmt.Sprintf("store.retention_interval must be positive, got %v", c.Store.RetentionInterval))
	}
	if !oneOf(c.Store.Backend.Type, validBackends) {
		errs = append(errs, fmt.Sprintf("store.backend.type must be one of [%s], got %q", strings.Join(validBackends, ", "), c.Store.Backend.Type))
	}
	if c.Store.Backend.Type == "sqlite" && c.Store.Backend.Path == "" {
		errs = append(errs, "store.backend.path is required for the sqlite backend")
	}

	if len(c.Fixer.Command) > 0 && len(c.Applier.Command) == 0 {
		errs = append(errs, "applier.command is required when fixer.command is set")
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Secret) < 32 {
		errs = append(errs, "server.auth.secret must be at least 32 characters when auth is enabled")
	}
	if c.Server.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Sprintf("server.rate_limit.rps must not be negative, got %v", c.Server.RateLimit.RPS))
	}

	seen := make(map[string]bool)
	for i, r := range c.Webhooks.Routes {
		prefix := fmt.Sprintf("webhooks.routes[%d]", i)
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Sprintf("%s.path must start with /, got %q", prefix, r.Path))
		}
		if seen[r.Path] {
			errs = append(errs, fmt.Sprintf("%s.path %q is duplicated", prefix, r.Path))
		}
		seen[r.Path] = true
		if !oneOf(r.Source, validHookSources) {
			errs = append(errs, fmt.Sprintf("%s.source must be one of [%s], got %q", prefix, strings.Join(validHookSources, ", "), r.Source))
		}
		if r.Pipeline == "" {
			errs = append(errs, fmt.Sprintf("%s.pipeline is required", prefix))
		}
	}

	if !oneOf(c.Alerts.MinSeverity, validSeverities) {
		errs = append(errs, fmt.Sprintf("alerts.min_severity must be one of [%s], got %q", strings.Join(validSeverities, ", "), c.Alerts.MinSeverity))
	}
	if c.Alerts.WebhookURL != "" {
		if u, err := url.Parse(c.Alerts.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("alerts.webhook_url is not a valid URL: %q", c.Alerts.WebhookURL))
		}
	}
	if c.Alerts.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("alerts.queue_size must be at least 1, got %d", c.Alerts.QueueSize))
	}

	t := c.Observability.Tracing
	if !oneOf(t.Exporter, validExporters) {
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter must be one of [%s], got %q", strings.Join(validExporters, ", "), t.Exporter))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("observability.tracing.sample_rate must be between 0 and 1, got %v", t.SampleRate))
	}
	if t.Enabled && t.Exporter != "stdout" && t.Endpoint == "" {
		errs = append(errs, "observability.tracing.endpoint is required for OTLP exporters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
