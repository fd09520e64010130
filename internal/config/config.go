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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	autofixerrors "github.com/tombee/autofix/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete autofix configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Pipelines     PipelinesConfig     `yaml:"pipelines"`
	Store         StoreConfig         `yaml:"store"`
	Fixer         FixerConfig         `yaml:"fixer"`
	Applier       ApplierConfig       `yaml:"applier"`
	Server        ServerConfig        `yaml:"server"`
	Webhooks      WebhooksConfig      `yaml:"webhooks,omitempty"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// OrchestratorConfig holds the global run policy.
type OrchestratorConfig struct {
	// MaxParallelPipelines caps how many runs may be executing at once.
	MaxParallelPipelines int `yaml:"max_parallel_pipelines"`

	// AutoFixEnabled turns the failure-recovery loop on or off globally.
	AutoFixEnabled bool `yaml:"auto_fix_enabled"`

	// MaxFixRetries bounds fix attempts per run. Zero escalates on first failure.
	MaxFixRetries int `yaml:"max_fix_retries"`

	// FixTimeout bounds a single propose-fix call.
	FixTimeout time.Duration `yaml:"fix_timeout"`

	// DrainTimeout is how long shutdown waits for in-flight runs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// TickInterval is the scheduler's idle polling interval.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// PipelinesConfig controls where pipeline definitions come from.
type PipelinesConfig struct {
	// Dir is the directory scanned for definition files.
	Dir string `yaml:"dir"`

	// Pattern is a doublestar glob relative to Dir.
	Pattern string `yaml:"pattern"`

	// Watch reloads definitions when files under Dir change.
	Watch bool `yaml:"watch"`

	// ReloadDebounce coalesces bursts of file events.
	ReloadDebounce time.Duration `yaml:"reload_debounce"`

	// Settings holds per-pipeline switches keyed by pipeline name.
	Settings map[string]PipelineSettings `yaml:"settings,omitempty"`
}

// PipelineSettings are operator overrides for one pipeline.
type PipelineSettings struct {
	// Enabled disables triggering when explicitly false.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Timeout bounds one execution pass of the pipeline.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// IsEnabled reports whether the named pipeline may be triggered.
func (p PipelinesConfig) IsEnabled(name string) bool {
	s, ok := p.Settings[name]
	if !ok || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// TimeoutFor returns the execution timeout for the named pipeline, or zero.
func (p PipelinesConfig) TimeoutFor(name string) time.Duration {
	return p.Settings[name].Timeout
}

// StoreConfig configures run state retention and history persistence.
type StoreConfig struct {
	// Retention is how long terminal runs stay in memory before being
	// compacted to summaries.
	Retention time.Duration `yaml:"retention"`

	// RetentionInterval is how often eviction runs.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// Backend selects where summaries are persisted.
	Backend BackendConfig `yaml:"backend"`
}

// BackendConfig configures the history backend.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	Type string `yaml:"type"`

	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for sqlite.
	WAL bool `yaml:"wal"`
}

// FixerConfig configures the external fix proposal command.
type FixerConfig struct {
	// Command is executed with the failure snapshot as JSON on stdin and must
	// print a fix payload as JSON on stdout. Empty disables fixing.
	Command []string `yaml:"command,omitempty"`

	// Dir is the working directory for Command.
	Dir string `yaml:"dir,omitempty"`

	// Breaker guards the fixer against repeated failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around the fixer.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32 `yaml:"max_failures"`

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// ApplierConfig configures the external fix application command.
type ApplierConfig struct {
	// Command receives the fix patch on stdin. Exit status zero means applied.
	Command []string `yaml:"command,omitempty"`

	// Dir is the working directory for Command.
	Dir string `yaml:"dir,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Auth configures bearer token authentication.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit throttles trigger requests.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CORS allows browser dashboards on other origins to call the API.
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig lists the origins allowed to make cross-origin requests.
// Entries may be "*" or a "*.example.com" suffix wildcard.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// AuthConfig configures JWT bearer authentication for the API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret,omitempty"`
	Issuer  string `yaml:"issuer,omitempty"`
}

// RateLimitConfig configures a token bucket. RPS of zero disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// WebhooksConfig configures webhook handling.
type WebhooksConfig struct {
	// Routes defines webhook routes.
	Routes []WebhookRoute `yaml:"routes,omitempty"`
}

// WebhookRoute maps an incoming webhook to a pipeline trigger.
type WebhookRoute struct {
	// Path is the URL path (e.g., "/webhooks/github").
	Path string `yaml:"path"`

	// Source is the webhook source type (github, generic).
	Source string `yaml:"source"`

	// Pipeline is the pipeline to trigger.
	Pipeline string `yaml:"pipeline"`

	// Events limits which events trigger the pipeline.
	Events []string `yaml:"events,omitempty"`

	// Secret is used for signature verification.
	Secret string `yaml:"secret,omitempty"`

	// InputMapping maps input names to jq expressions over the payload.
	InputMapping map[string]string `yaml:"input_mapping,omitempty"`
}

// AlertsConfig configures operator alerts on run outcomes.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinSeverity drops alerts below this level (info, warning, error, critical).
	MinSeverity string `yaml:"min_severity"`

	// WebhookURL receives alerts as Slack-compatible JSON. Empty logs only.
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Channel    string `yaml:"channel,omitempty"`
	Username   string `yaml:"username,omitempty"`

	// QueueSize bounds undelivered alerts; overflow is dropped.
	QueueSize int `yaml:"queue_size"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig configures the OpenTelemetry trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is one of stdout, otlp-http, otlp-grpc.
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector address for OTLP exporters.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure"`

	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelPipelines: 3,
			AutoFixEnabled:       true,
			MaxFixRetries:        3,
			FixTimeout:           60 * time.Second,
			DrainTimeout:         30 * time.Second,
			TickInterval:         time.Second,
		},
		Pipelines: PipelinesConfig{
			Dir:            "pipelines",
			Pattern:        "**/*.{yaml,yml}",
			Watch:          false,
			ReloadDebounce: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Retention:         24 * time.Hour,
			RetentionInterval: 10 * time.Minute,
			Backend: BackendConfig{
				Type: "memory",
				Path: filepath.Join(DataDir(), "autofix.db"),
				WAL:  true,
			},
		},
		Fixer: FixerConfig{
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: time.Minute,
			},
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:9876",
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RPS:   10,
				Burst: 20,
			},
		},
		Alerts: AlertsConfig{
			Enabled:     true,
			MinSeverity: "warning",
			Username:    "autofix",
			QueueSize:   64,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:    "stdout",
				ServiceName: "autofix",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &autofixerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &autofixerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values that cannot be meaningful. Fields where
// zero is a legal setting (max_fix_retries, rate_limit.rps) are left alone.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Orchestrator.MaxParallelPipelines == 0 {
		c.Orchestrator.MaxParallelPipelines = defaults.Orchestrator.MaxParallelPipelines
	}
	if c.Orchestrator.FixTimeout == 0 {
		c.Orchestrator.FixTimeout = defaults.Orchestrator.FixTimeout
	}
	if c.Orchestrator.DrainTimeout == 0 {
		c.Orchestrator.DrainTimeout = defaults.Orchestrator.DrainTimeout
	}
	if c.Orchestrator.TickInterval == 0 {
		c.Orchestrator.TickInterval = defaults.Orchestrator.TickInterval
	}

	if c.Pipelines.Dir == "" {
		c.Pipelines.Dir = defaults.Pipelines.Dir
	}
	if c.Pipelines.Pattern == "" {
		c.Pipelines.Pattern = defaults.Pipelines.Pattern
	}
	if c.Pipelines.ReloadDebounce == 0 {
		c.Pipelines.ReloadDebounce = defaults.Pipelines.ReloadDebounce
	}

	if c.Store.Retention == 0 {
		c.Store.Retention = defaults.Store.Retention
	}
	if c.Store.RetentionInterval == 0 {
		c.Store.RetentionInterval = defaults.Store.RetentionInterval
	}
	if c.Store.Backend.Type == "" {
		c.Store.Backend.Type = defaults.Store.Backend.Type
	}
	if c.Store.Backend.Path == "" {
		c.Store.Backend.Path = defaults.Store.Backend.Path
	}

	if c.Fixer.Breaker.MaxFailures == 0 {
		c.Fixer.Breaker.MaxFailures = defaults.Fixer.Breaker.MaxFailures
	}
	if c.Fixer.Breaker.OpenTimeout == 0 {
		c.Fixer.Breaker.OpenTimeout = defaults.Fixer.Breaker.OpenTimeout
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = defaults.Server.RateLimit.Burst
	}

	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = defaults.Alerts.MinSeverity
	}
	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = defaults.Alerts.QueueSize
	}

	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = defaults.Observability.Tracing.Exporter
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = defaults.Observability.Tracing.ServiceName
	}
}

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${NAME} references with environment values. Bare $NAME
// is left untouched so shell commands in the config keep their variables.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if val, ok := os.LookupEnv(m[1]); ok && val != "" {
			return val
		}
		return m[2]
	})
}

// expandNode walks a YAML document and expands env references in every
// scalar value. Keys are not expanded.
func expandNode(n *yaml.Node) {
	switch n.Kind {
	case yaml.ScalarNode:
		n.Value = expandEnv(n.Value)
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			expandNode(n.Content[i])
		}
	default:
		for _, child := range n.Content {
			expandNode(child)
		}
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind == 0 {
		// empty file
		return nil
	}
	expandNode(&doc)

	if err := doc.Decode(c); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("AUTOFIX_MAX_PARALLEL_PIPELINES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Orchestrator.MaxParallelPipelines = n
		}
	}
	if val := os.Getenv("AUTOFIX_AUTO_FIX_ENABLED"); val != "" {
		c.Orchestrator.AutoFixEnabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("AUTOFIX_MAX_FIX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Orchestrator.MaxFixRetries = n
		}
	}
	if val := os.Getenv("AUTOFIX_FIX_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Orchestrator.FixTimeout = d
		}
	}
	if val := os.Getenv("AUTOFIX_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Orchestrator.DrainTimeout = d
		}
	}

	if val := os.Getenv("AUTOFIX_PIPELINES_DIR"); val != "" {
		c.Pipelines.Dir = val
	}
	if val := os.Getenv("AUTOFIX_BACKEND"); val != "" {
		c.Store.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("AUTOFIX_DB_PATH"); val != "" {
		c.Store.Backend.Path = val
	}

	if val := os.Getenv("AUTOFIX_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("AUTOFIX_API_SECRET"); val != "" {
		c.Server.Auth.Secret = val
		c.Server.Auth.Enabled = true
	}

	if val := os.Getenv("AUTOFIX_ALERT_WEBHOOK_URL"); val != "" {
		c.Alerts.WebhookURL = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Tracing.Endpoint = val
	}
}
