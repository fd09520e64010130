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
	"fmt"
	"net/http"
	"strings"
)

// GenericHandler handles webhooks from any sender that can compute an
// HMAC-SHA256 of the body. The signature is read from X-Webhook-Signature
// with an optional "sha256=" prefix, the event from X-Webhook-Event.
type GenericHandler struct{}

// Verify checks the X-Webhook-Signature HMAC.
func (h *GenericHandler) Verify(r *http.Request, body []byte, secret string) error {
	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Webhook-Signature header")
	}
	return verifyHMAC(body, secret, strings.TrimPrefix(signature, "sha256="))
}

// ParseEvent returns the X-Webhook-Event header.
func (h *GenericHandler) ParseEvent(r *http.Request) string {
	return r.Header.Get("X-Webhook-Event")
}

// ExtractPayload decodes the JSON body.
func (h *GenericHandler) ExtractPayload(body []byte) (map[string]any, error) {
	return decodeJSON(body)
}
