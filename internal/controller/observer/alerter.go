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

package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/log"
)

// Severity orders alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// ParseSeverity converts a configuration string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// slog level for each severity
func (s Severity) level() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// slack attachment colour for each severity
func (s Severity) color() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError, SeverityCritical:
		return "danger"
	}
	return "good"
}

// Alert is a notification raised for an operator.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlerterConfig configures an Alerter.
type AlerterConfig struct {
	// MinSeverity drops alerts below this level.
	MinSeverity Severity

	// WebhookURL receives alerts as Slack-compatible JSON. Empty means
	// alerts are only logged and kept in history.
	WebhookURL string
	Channel    string
	Username   string

	// QueueSize bounds pending webhook deliveries. Alerts raised while the
	// queue is full are dropped.
	QueueSize int

	// HistorySize bounds the in-memory alert history.
	HistorySize int

	// Client sends webhook requests. Defaults to a client with a 10s timeout.
	Client *http.Client

	Logger *slog.Logger
}

// Alerter turns run transitions into operator alerts: escalations are
// critical, failures are errors, fix attempts are warnings and recoveries
// are informational.
type Alerter struct {
	cfg    AlerterConfig
	logger *slog.Logger

	mu      sync.RWMutex
	history []Alert

	queue   chan Alert
	done    chan struct{}
	once    sync.Once
	started bool
}

// NewAlerter creates an alerter. Call Start to begin webhook delivery.
func NewAlerter(cfg AlerterConfig) *Alerter {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityWarning
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.Username == "" {
		cfg.Username = "autofix"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Alerter{
		cfg:    cfg,
		logger: log.WithComponent(logger, "alerter"),
		queue:  make(chan Alert, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Name implements Named.
func (a *Alerter) Name() string { return "alerter" }

// Start runs the delivery worker until ctx is cancelled or Close is called.
func (a *Alerter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go a.deliverLoop(ctx)
}

// Close stops the delivery worker. Queued alerts that have not been sent
// are dropped.
func (a *Alerter) Close() {
	a.once.Do(func() { close(a.done) })
}

func (a *Alerter) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case alert := <-a.queue:
			if err := a.post(ctx, alert); err != nil {
				a.logger.Warn("alert delivery failed",
					slog.String("title", alert.Title),
					log.Error(err))
			}
		}
	}
}

// OnTransition implements Observer.
func (a *Alerter) OnTransition(e TransitionEvent) {
	alert, ok := alertFor(e)
	if !ok {
		return
	}
	a.Send(alert)
}

// OnResult implements Observer. Individual results do not raise alerts.
func (a *Alerter) OnResult(ResultEvent) {}

// Send raises an alert. Alerts below the minimum severity are ignored.
func (a *Alerter) Send(alert Alert) {
	if alert.Severity.rank() < a.cfg.MinSeverity.rank() {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.history = append(a.history, alert)
	if over := len(a.history) - a.cfg.HistorySize; over > 0 {
		a.history = append([]Alert(nil), a.history[over:]...)
	}
	a.mu.Unlock()

	a.logger.Log(context.Background(), alert.Severity.level(),
		fmt.Sprintf("alert [%s] %s: %s", alert.Severity, alert.Title, alert.Message))

	if a.cfg.WebhookURL == "" {
		return
	}
	select {
	case a.queue <- alert:
	default:
		a.logger.Warn("alert queue full, dropping alert", slog.String("title", alert.Title))
	}
}

// Alerts returns the alert history, optionally filtered by severity.
func (a *Alerter) Alerts(severity Severity) []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Alert
	for _, alert := range a.history {
		if severity == "" || alert.Severity == severity {
			out = append(out, alert)
		}
	}
	return out
}

func alertFor(e TransitionEvent) (Alert, bool) {
	meta := map[string]string{
		"run_id":   e.RunID,
		"pipeline": e.Pipeline,
		"attempt":  fmt.Sprintf("%d", e.Attempt),
	}

	alert := Alert{Metadata: meta, Timestamp: e.Timestamp}
	switch {
	case e.To == run.StateEscalated:
		alert.Severity = SeverityCritical
		alert.Title = fmt.Sprintf("Pipeline %s escalated", e.Pipeline)
		alert.Message = fmt.Sprintf("Run %s needs attention after %d fix attempt(s)", e.RunID, e.Attempt)
	case e.To == run.StateFailed:
		alert.Severity = SeverityError
		alert.Title = fmt.Sprintf("Pipeline %s failure", e.Pipeline)
		alert.Message = fmt.Sprintf("Run %s failed", e.RunID)
	case e.To == run.StateFixing:
		alert.Severity = SeverityWarning
		alert.Title = fmt.Sprintf("Auto-fix attempt for %s", e.Pipeline)
		alert.Message = fmt.Sprintf("Run %s: attempting fix %d", e.RunID, e.Attempt)
	case e.To == run.StateSucceeded && e.Attempt > 0:
		alert.Severity = SeverityInfo
		alert.Title = fmt.Sprintf("Pipeline %s recovered", e.Pipeline)
		alert.Message = fmt.Sprintf("Run %s succeeded after %d fix attempt(s)", e.RunID, e.Attempt)
	default:
		return Alert{}, false
	}
	if e.Error != "" {
		alert.Message += ": " + e.Error
	}
	return alert, true
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	fields := make([]slackField, 0, len(alert.Metadata))
	for _, k := range []string{"pipeline", "run_id", "attempt"} {
		if v, ok := alert.Metadata[k]; ok {
			fields = append(fields, slackField{Title: k, Value: v, Short: true})
		}
	}

	msg := slackMessage{
		Text:     fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Channel:  a.cfg.Channel,
		Username: a.cfg.Username,
		Attachments: []slackAttachment{{
			Color:  alert.Severity.color(),
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			Ts:     alert.Timestamp.Unix(),
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}
