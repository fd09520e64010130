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

/*
Package httpclient builds the outbound HTTP clients used by autofix: the
CLI's API client and the alert webhook sender.

	client, err := httpclient.New(httpclient.Options{
	    UserAgent:  "autofix-cli/" + version,
	    MaxRetries: 3,
	})

Transient failures (connection errors, 408, 429 and 5xx) are retried with
exponential backoff and jitter. A Retry-After header from the server, such
as the one sent while the API is draining, replaces the computed delay but
is capped at MaxDelay.

Only GET, HEAD and OPTIONS are retried unless RetryUnsafe is set. Requests
with a body are retried only when the body can be rewound (GetBody).

Every request is logged at debug level, or warn for failures, with secrets
in the query string redacted. The active trace context is injected into the
outgoing headers.
*/
package httpclient
