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

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10, BurstSize: 20})

	for i := 0; i < 20; i++ {
		assert.True(t, rl.Allow("user1"), "request %d should be allowed", i)
	}
	assert.False(t, rl.Allow("user1"))

	// separate bucket
	assert.True(t, rl.Allow("user2"))
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 10, BurstSize: 1})

	assert.True(t, rl.Allow("user1"))
	assert.False(t, rl.Allow("user1"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, rl.Allow("user1"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("user1"))
	}
}

func TestRateLimiter_Wrap(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 0.5, BurstSize: 2})
	h := rl.Wrap(okHandler())

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/pipelines/build/runs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, serve("10.0.0.1:5678").Code)

	rec := serve("10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve("10.0.0.2:1234").Code)
}
