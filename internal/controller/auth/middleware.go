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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

// Config configures the authentication middleware.
type Config struct {
	Enabled bool
	JWT     JWTConfig
	Logger  *slog.Logger
}

// Middleware validates bearer tokens on wrapped handlers.
type Middleware struct {
	cfg    Config
	logger *slog.Logger
}

// NewMiddleware creates a middleware. When cfg.Enabled is false every
// request passes through untouched.
func NewMiddleware(cfg Config) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, logger: logger.With(slog.String("component", "auth"))}
}

// Enabled reports whether requests are authenticated.
func (m *Middleware) Enabled() bool {
	return m.cfg.Enabled
}

// Wrap requires a valid bearer token and stores its claims in the request
// context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		claims, err := ValidateJWT(token, m.cfg.JWT)
		if err != nil {
			m.logger.Debug("rejected token", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// Require wraps next so that it only runs for callers whose token grants
// scope. With authentication disabled it is a no-op.
func (m *Middleware) Require(scope string, next http.Handler) http.Handler {
	if !m.cfg.Enabled {
		return next
	}
	return m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("token lacks scope %s", scope))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// ClaimsFromContext returns the claims stored by Wrap, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

// ExtractBearerToken returns the token from an "Authorization: Bearer"
// header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="autofix"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
