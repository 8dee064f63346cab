// Package cauldronsdk is an HTTP client for the Cauldron API. It satisfies
// the worker coordinator interface so workers can run out of process.
package cauldronsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/faults"
	"cauldron/internal/status"
)

// Client is a minimal Cauldron HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// APIError wraps non-2xx responses. Its Kind mirrors the server's error code
// so faults.Has works across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return faults.New(faults.Kind(e.Code), "%s", e.Message)
}

// LeaseNext asks for the next ready intention. A nil lease means none is ready.
func (c *Client) LeaseNext(ctx context.Context, workerID string, kinds []domain.Kind) (*domain.Lease, error) {
	var resp struct {
		Lease *domain.Lease `json:"lease"`
	}
	body := map[string]any{"worker_id": workerID}
	if len(kinds) > 0 {
		body["kinds"] = kinds
	}
	err := c.do(ctx, http.MethodPost, "v0/worker/lease", body, &resp)
	return resp.Lease, err
}

func (c *Client) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return c.do(ctx, http.MethodPost, c.jobPath(jobID, "heartbeat"), map[string]any{"worker_id": workerID}, nil)
}

func (c *Client) Complete(ctx context.Context, jobID, workerID string, rep domain.Report) (engine.Completion, error) {
	var resp engine.Completion
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "complete"), map[string]any{"worker_id": workerID, "report": rep}, &resp)
	return resp, err
}

// AppendLog sends raw job output.
func (c *Client) AppendLog(ctx context.Context, jobID string, data []byte) error {
	return c.send(ctx, http.MethodPost, c.jobPath(jobID, "log"), "application/octet-stream", bytes.NewReader(data), nil)
}

func (c *Client) ReportRateLimit(ctx context.Context, tokenID int64, until time.Time) error {
	return c.do(ctx, http.MethodPost, "v0/worker/rate-limits", map[string]any{"token_id": tokenID, "until": until.UTC()}, nil)
}

// CreateProject creates a project owned by the token's user.
func (c *Client) CreateProject(ctx context.Context, name string) (domain.Project, error) {
	var resp domain.Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"name": name}, &resp)
	return resp, err
}

// AddRepository adds a repository or owner input to a project.
func (c *Client) AddRepository(ctx context.Context, projectID int64, backend domain.Backend, input, instance string, includeForks bool) (engine.AddRepoResult, error) {
	body := map[string]any{
		"backend":       backend,
		"input":         input,
		"include_forks": includeForks,
	}
	if instance != "" {
		body["instance"] = instance
	}
	var resp engine.AddRepoResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "repositories"), body, &resp)
	return resp, err
}

func (c *Client) RefreshProject(ctx context.Context, projectID int64) (engine.RefreshResult, error) {
	var resp engine.RefreshResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "refresh"), nil, &resp)
	return resp, err
}

func (c *Client) ProjectStatus(ctx context.Context, projectID int64) (status.ProjectSummary, error) {
	var resp status.ProjectSummary
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "status"), nil, &resp)
	return resp, err
}

// Intentions lists live intentions, optionally restricted to one project.
func (c *Client) Intentions(ctx context.Context, projectID int64, limit int) ([]engine.IntentionView, error) {
	q := url.Values{}
	if projectID != 0 {
		q.Set("project_id", fmt.Sprint(projectID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/intentions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []engine.IntentionView `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.ProviderTransient, err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) jobPath(jobID, action string) string {
	return fmt.Sprintf("v0/worker/jobs/%s/%s", url.PathEscape(jobID), action)
}

func (c *Client) projectPath(projectID int64, p string) string {
	return fmt.Sprintf("v0/projects/%d/%s", projectID, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
