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

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(0, nil)
	c.Register("scheduler", func(context.Context) error { return nil })
	c.Register("store", func(context.Context) error { return nil })

	assert.Equal(t, StatusUnknown, c.Status("store"))

	report := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, StatusHealthy, c.Status("store"))
	assert.Equal(t, []string{"scheduler", "store"}, c.Components())
}

func TestChecker_Degraded(t *testing.T) {
	c := NewChecker(0, nil)
	c.Register("store", func(context.Context) error { return nil })
	c.Register("fixer", func(context.Context) error { return errors.New("circuit open") })
	c.Register("backend", func(context.Context) error { panic("boom") })

	report := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusHealthy, report.Components["store"].Status)
	assert.Equal(t, StatusUnhealthy, report.Components["fixer"].Status)
	assert.Equal(t, "circuit open", report.Components["fixer"].Error)
	assert.Equal(t, StatusError, report.Components["backend"].Status)
	assert.Contains(t, report.Components["backend"].Error, "boom")
	assert.Equal(t, StatusError, c.Status("backend"))
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker(20*time.Millisecond, nil)
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	report := c.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Components["slow"].Status)
}

func TestChecker_UnknownComponent(t *testing.T) {
	c := NewChecker(0, nil)
	assert.Equal(t, StatusUnknown, c.Status("nothing"))
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
}
