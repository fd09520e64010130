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
	"context"

	"github.com/tombee/autofix/internal/controller/run"
	"github.com/tombee/autofix/internal/tracing"
)

// Metrics records events on an OpenTelemetry metrics collector.
type Metrics struct {
	collector *tracing.MetricsCollector
}

// NewMetrics creates a metrics observer.
func NewMetrics(collector *tracing.MetricsCollector) *Metrics {
	return &Metrics{collector: collector}
}

// Name implements Named.
func (m *Metrics) Name() string { return "metrics" }

// OnTransition implements Observer.
func (m *Metrics) OnTransition(e TransitionEvent) {
	ctx := context.Background()
	m.collector.RecordTransition(ctx, e.Pipeline, string(e.From), string(e.To))

	switch {
	case e.From == run.StatePending && e.To == run.StateRunning:
		m.collector.RecordRunStart(ctx, e.RunID, e.Pipeline)
	case e.To.IsTerminal():
		m.collector.RecordRunComplete(ctx, e.RunID, e.Pipeline, string(e.To), e.Attempt, e.Elapsed)
	}

	if e.From == run.StateFixing {
		result := "applied"
		if e.To == run.StateEscalated {
			result = "failed"
		}
		m.collector.RecordFixAttempt(ctx, e.Pipeline, result)
	}
}

// OnResult implements Observer.
func (m *Metrics) OnResult(e ResultEvent) {
	ctx := context.Background()
	if e.IsStage() {
		m.collector.RecordStageComplete(ctx, e.Pipeline, e.Stage, string(e.Outcome), e.Duration)
		return
	}
	m.collector.RecordTaskComplete(ctx, e.Pipeline, e.Action, string(e.Outcome), e.Duration)
}
