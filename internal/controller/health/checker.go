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

// Package health aggregates component health checks into a single report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Overall and component statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusError     = "error"
	StatusUnknown   = "unknown"
)

// DefaultTimeout bounds a single component check.
const DefaultTimeout = 5 * time.Second

// CheckFunc reports a component problem by returning an error.
type CheckFunc func(ctx context.Context) error

// ComponentStatus is the latest result of one component check.
type ComponentStatus struct {
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the result of Check.
type Report struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Checker runs registered checks. It is safe for concurrent use.
type Checker struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   map[string]ComponentStatus
}

// NewChecker creates a checker. A zero timeout uses DefaultTimeout.
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		timeout: timeout,
		logger:  logger.With(slog.String("component", "health")),
		checks:  make(map[string]CheckFunc),
		last:    make(map[string]ComponentStatus),
	}
}

// Register adds or replaces the check for name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.last[name] = ComponentStatus{Status: StatusUnknown}
}

// Components returns the registered names, sorted.
func (c *Checker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently. The report is degraded when any
// component is unhealthy or its check panicked.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ComponentStatus, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := c.run(ctx, name, fn)
			mu.Lock()
			results[name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Components: results, CheckedAt: time.Now()}
	for _, st := range results {
		if st.Status != StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	for name, st := range results {
		if _, ok := c.checks[name]; ok {
			c.last[name] = st
		}
	}
	c.mu.Unlock()
	return report
}

func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) (st ComponentStatus) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	defer func() {
		st.Duration = time.Since(start)
		if r := recover(); r != nil {
			c.logger.Error("health check panicked", "check", name, "panic", r)
			st.Status = StatusError
			st.Error = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	if err := fn(ctx); err != nil {
		c.logger.Warn("component unhealthy", "check", name, "error", err)
		return ComponentStatus{Status: StatusUnhealthy, Error: err.Error()}
	}
	return ComponentStatus{Status: StatusHealthy}
}

// Status returns the most recent status of name, or StatusUnknown if it
// has not been checked or is not registered.
func (c *Checker) Status(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.last[name]
	if !ok {
		return StatusUnknown
	}
	return st.Status
}
