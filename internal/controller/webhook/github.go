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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Common GitHub event types.
const (
	GitHubEventPing        = "ping"
	GitHubEventPush        = "push"
	GitHubEventPullRequest = "pull_request"
	GitHubEventWorkflowRun = "workflow_run"
	GitHubEventCheckSuite  = "check_suite"
)

// GitHubHandler handles GitHub webhooks.
type GitHubHandler struct{}

// Verify checks the X-Hub-Signature-256 HMAC. Legacy SHA-1 signatures are
// rejected.
func (h *GitHubHandler) Verify(r *http.Request, body []byte, secret string) error {
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		if r.Header.Get("X-Hub-Signature") != "" {
			return fmt.Errorf("SHA-1 signatures not supported, please use SHA-256")
		}
		return fmt.Errorf("missing signature header")
	}

	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return fmt.Errorf("invalid signature format")
	}
	return verifyHMAC(body, secret, hexSig)
}

// ParseEvent returns the X-GitHub-Event header.
func (h *GitHubHandler) ParseEvent(r *http.Request) string {
	return r.Header.Get("X-GitHub-Event")
}

// ExtractPayload decodes the JSON body.
func (h *GitHubHandler) ExtractPayload(body []byte) (map[string]any, error) {
	return decodeJSON(body)
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + computeHMAC(body, secret)
}

func computeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(body []byte, secret, hexSig string) error {
	expected := computeHMAC(body, secret)
	if !hmac.Equal([]byte(hexSig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func decodeJSON(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return payload, nil
}
