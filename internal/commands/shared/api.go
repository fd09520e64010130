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

package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/tombee/autofix/internal/controller/api"
	"github.com/tombee/autofix/pkg/httpclient"
)

// Client talks to a running "autofix serve".
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for base. The bearer token is read from
// AUTOFIX_API_TOKEN.
func NewClient(base string) *Client {
	client, err := httpclient.New(httpclient.Options{
		MaxRetries: 3,
		UserAgent:  "autofix-cli/" + version,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		client = &http.Client{}
	}
	return &Client{base: base, token: os.Getenv("AUTOFIX_API_TOKEN"), http: client}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string

	// Body is the raw response body.
	Body []byte

	hint string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Hint returns the server's suggestion, if it sent one.
func (e *APIError) Hint() string { return e.hint }

// Trigger starts a run and returns its id.
func (c *Client) Trigger(ctx context.Context, pipeline string, inputs map[string]any) (*api.TriggerResponse, error) {
	var resp api.TriggerResponse
	err := c.do(ctx, http.MethodPost, "/v1/pipelines/"+url.PathEscape(pipeline)+"/runs", api.TriggerRequest{Inputs: inputs}, &resp)
	return &resp, err
}

// Run fetches a live run, or the summary of an evicted one.
func (c *Client) Run(ctx context.Context, id string) (*api.RunResponse, error) {
	var resp api.RunResponse
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &resp)
	return &resp, err
}

// History lists recent runs of a pipeline.
func (c *Client) History(ctx context.Context, pipeline string, limit int) (*api.HistoryResponse, error) {
	path := "/v1/pipelines/" + url.PathEscape(pipeline) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp api.HistoryResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return &resp, err
}

// Pipelines lists the pipelines the server has loaded.
func (c *Client) Pipelines(ctx context.Context) ([]api.PipelineResponse, error) {
	var resp struct {
		Pipelines []api.PipelineResponse `json:"pipelines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/pipelines", nil, &resp)
	return resp.Pipelines, err
}

// Version returns the server's build information.
func (c *Client) Version(ctx context.Context) (*api.VersionResponse, error) {
	var resp api.VersionResponse
	err := c.do(ctx, http.MethodGet, "/v1/version", nil, &resp)
	return &resp, err
}

// Health fetches the server health report. An unhealthy or draining
// server answers 503 with a report, which is returned without error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if json.Unmarshal(apiErr.Body, &resp) == nil && resp.Status != "" {
			return &resp, nil
		}
	}
	return &resp, err
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody), Body: respBody}
		var body api.ErrorResponse
		if json.Unmarshal(respBody, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.hint = body.Hint
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
