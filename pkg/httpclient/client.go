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

package httpclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Options configures a client. Zero values select the defaults.
type Options struct {
	// Timeout bounds a whole request including retries. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retries.
	MaxRetries int

	// BaseDelay is the first backoff delay. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps both computed backoff and Retry-After. Default: 15s.
	MaxDelay time.Duration

	// UserAgent is sent when the request does not set one.
	UserAgent string

	// RetryUnsafe allows retrying POST, PUT, PATCH and DELETE.
	RetryUnsafe bool

	// Logger receives request logs. Default: slog.Default().
	Logger *slog.Logger
}

const (
	defaultTimeout   = 30 * time.Second
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 15 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.UserAgent == "" {
		o.UserAgent = "autofix"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o Options) validate() error {
	var errs []error
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %v", o.Timeout))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", o.MaxRetries))
	}
	if o.BaseDelay < 0 || o.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if o.MaxDelay > 0 && o.BaseDelay > o.MaxDelay {
		errs = append(errs, fmt.Errorf("base delay (%v) exceeds max delay (%v)", o.BaseDelay, o.MaxDelay))
	}
	return errors.Join(errs...)
}

// New returns an *http.Client whose transport logs, propagates trace
// context and retries transient failures.
func New(opts Options) (*http.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid http client options: %w", err)
	}
	opts.applyDefaults()

	base := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = &loggingTransport{
		next:      base,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
	if opts.MaxRetries > 0 {
		rt = &retryTransport{
			next:        rt,
			maxRetries:  opts.MaxRetries,
			baseDelay:   opts.BaseDelay,
			maxDelay:    opts.MaxDelay,
			retryUnsafe: opts.RetryUnsafe,
		}
	}

	return &http.Client{Transport: rt, Timeout: opts.Timeout}, nil
}
