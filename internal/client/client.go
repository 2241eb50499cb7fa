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

// Package client is a thin client for the coordinator's HTTP API, used by
// the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Aetherframework-ai/aether/internal/server"
	"github.com/Aetherframework-ai/aether/internal/store"
)

// Client is a client for the coordinator HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL sets the coordinator base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = baseURL
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// New creates a new coordinator client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://localhost:7234",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// apiError is the error body returned by the coordinator.
type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Error is a failed API call.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("coordinator error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return &Error{StatusCode: resp.StatusCode, Code: ae.Code, Message: ae.Error}
		}
		return &Error{StatusCode: resp.StatusCode, Message: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// StartWorkflow starts a workflow and returns its id.
func (c *Client) StartWorkflow(ctx context.Context, workflowType string, input []byte) (string, error) {
	var out server.StartWorkflowResult
	err := c.do(ctx, http.MethodPost, "/v1/workflows", map[string]any{
		"workflow_type": workflowType,
		"input":         input,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.WorkflowID, nil
}

// Status returns the workflow status summary.
func (c *Client) Status(ctx context.Context, workflowID string) (*server.WorkflowStatusResult, error) {
	var out store.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(workflowID), nil, &out); err != nil {
		return nil, err
	}
	return &server.WorkflowStatusResult{
		WorkflowID:   out.ID,
		WorkflowType: out.Type,
		State:        string(out.State),
		CurrentStep:  out.CurrentStep,
		StartedAt:    out.StartedAt,
		CompletedAt:  out.CompletedAt,
	}, nil
}

// Detail returns the full workflow record.
func (c *Client) Detail(ctx context.Context, workflowID string) (*store.Workflow, error) {
	var out store.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(workflowID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions filters a workflow listing.
type ListOptions struct {
	Type   string
	State  string
	Active bool
}

// List returns workflow summaries.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]server.WorkflowStatusResult, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Active {
		q.Set("active", "true")
	}

	path := "/v1/workflows"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Workflows []server.WorkflowStatusResult `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// Cancel requests workflow cancellation.
func (c *Client) Cancel(ctx context.Context, workflowID string) (*server.CancelWorkflowResult, error) {
	var out server.CancelWorkflowResult
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(workflowID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result awaits the workflow result up to the given timeout.
func (c *Client) Result(ctx context.Context, workflowID string, timeout time.Duration) (*server.AwaitResultResult, error) {
	path := "/v1/workflows/" + url.PathEscape(workflowID) + "/result"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}

	var out server.AwaitResultResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
