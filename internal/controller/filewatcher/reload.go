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

package filewatcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for Watch.
const (
	DefaultDebounce    = 250 * time.Millisecond
	DefaultMinInterval = time.Second
)

// Config controls Watch.
type Config struct {
	Dir     string
	Include []string
	// Exclude defaults to DefaultExcludes when nil.
	Exclude []string
	// Debounce is the quiet period required before a path's change is
	// reported.
	Debounce time.Duration
	// MinInterval spaces out consecutive onChange calls.
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Watch observes cfg.Dir and calls onChange with each settled batch of
// events. Calls are serialized and at least MinInterval apart; events that
// settle while a call is pending are merged into the next batch. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, cfg Config, onChange func(context.Context, []Event)) error {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Exclude == nil {
		cfg.Exclude = DefaultExcludes()
	}

	matcher, err := NewMatcher(cfg.Include, cfg.Exclude)
	if err != nil {
		return err
	}
	w, err := NewWatcher(cfg.Dir, matcher, cfg.Logger)
	if err != nil {
		return err
	}
	defer w.Stop()

	settled := make(chan []Event, 16)
	debouncer := NewDebouncer(cfg.Debounce, func(events []Event) {
		select {
		case settled <- events:
		case <-ctx.Done():
		}
	})
	defer debouncer.Stop()

	w.Start(ctx)
	go func() {
		for ev := range w.Events() {
			debouncer.Add(ev)
		}
	}()

	limiter := rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	for {
		var batch []Event
		select {
		case <-ctx.Done():
			return nil
		case batch = <-settled:
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
	drain:
		for {
			select {
			case more := <-settled:
				batch = append(batch, more...)
			default:
				break drain
			}
		}
		onChange(ctx, batch)
	}
}
