package agentlinesdk

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
)

// Client is a minimal Agentline HTTP API client.
type Client struct {
	BaseURL    string
	TenantID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	PackID          string         `json:"pack_id"`
	PackVersion     string         `json:"pack_version"`
	State           string         `json:"state"`
	AttemptCount    int            `json:"attempt_count"`
	CancelRequested bool           `json:"cancel_requested"`
	WaitingApproval bool           `json:"waiting_approval"`
	Payload         map[string]any `json:"payload,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
}

// PackVersion represents a published registry entry.
type PackVersion struct {
	PackID      string            `json:"pack_id"`
	Version     string            `json:"version"`
	ContentHash string            `json:"content_hash"`
	Provenance  map[string]string `json:"provenance,omitempty"`
	PublishedAt string            `json:"published_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask submits a task. Resubmitting the same idempotency key returns the
// original task.
func (c *Client) CreateTask(ctx context.Context, packID, idempotencyKey string, payload map[string]any) (Task, error) {
	body := map[string]any{
		"tenant_id":       c.TenantID,
		"pack_id":         packID,
		"idempotency_key": idempotencyKey,
		"payload":         payload,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns recent tasks for the client's tenant.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	endpoint := fmt.Sprintf("v0/tasks?tenant_id=%s", url.QueryEscape(c.TenantID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelTask requests cancellation.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// SubmitApproval submits a signed approval token for a suspended task.
func (c *Client) SubmitApproval(ctx context.Context, token string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/approvals", map[string]any{"token": token}, &resp)
	return resp, err
}

// CurrentPack returns the current version of a pack.
func (c *Client) CurrentPack(ctx context.Context, packID string) (PackVersion, error) {
	var resp PackVersion
	err := c.do(ctx, http.MethodGet, "v0/packs/"+url.PathEscape(packID)+"/current", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
