// Package cli implements the taskctl command line client: a thin HTTP client
// for the task API plus terminal rendering.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
	"github.com/lcksfa/async-ai-task-runner/internal/provider"
)

// APIError is a non-2xx answer from the task API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// SubmitInput is the body of POST /api/v1/tasks.
type SubmitInput struct {
	Prompt   string  `json:"prompt"`
	Model    *string `json:"model,omitempty"`
	Provider *string `json:"provider,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// ResultOutput is the body of GET /api/v1/tasks/{id}/result.
type ResultOutput struct {
	TaskID int64             `json:"task_id" yaml:"task_id"`
	Status models.TaskStatus `json:"status" yaml:"status"`
	Result string            `json:"result" yaml:"result"`
}

// Client talks to the task API over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Submit creates a task.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (models.Task, error) {
	var task models.Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", in, &task)
	return task, err
}

// Get fetches one task.
func (c *Client) Get(ctx context.Context, id int64) (models.Task, error) {
	var task models.Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+strconv.FormatInt(id, 10), nil, &task)
	return task, err
}

// List fetches a page of tasks, newest first.
func (c *Client) List(ctx context.Context, status string, limit, offset int) ([]models.Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Tasks, nil
}

// Result fetches the result of a completed task.
func (c *Client) Result(ctx context.Context, id int64) (ResultOutput, error) {
	var out ResultOutput
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/result", id), nil, &out)
	return out, err
}

// Events fetches the audit trail of a task.
func (c *Client) Events(ctx context.Context, id int64) ([]models.TaskEvent, error) {
	var body struct {
		Events []models.TaskEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/events", id), nil, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Providers lists the configured providers.
func (c *Client) Providers(ctx context.Context) ([]provider.Info, error) {
	var body struct {
		Providers []provider.Info `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/providers", nil, &body); err != nil {
		return nil, err
	}
	return body.Providers, nil
}

// Stats returns task counts per status.
func (c *Client) Stats(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &counts)
	return counts, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
