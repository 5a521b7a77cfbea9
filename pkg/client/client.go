package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/types"
)

// Client talks to the control-plane HTTP API. It is what the CLI and
// worker agents use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures the client
type Option func(*Client)

// WithToken sets a bearer token attached to every request
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for the given API address. A bare host:port is
// treated as http.
func New(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the decoded error body of a non-2xx response
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
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

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && (apiErr.Kind != "" || apiErr.Message != "") {
			return &apiErr
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// SubmitTaskRequest is the submission envelope
type SubmitTaskRequest struct {
	ID             string       `json:"id,omitempty"`
	TenantID       string       `json:"tenantId"`
	SessionID      string       `json:"sessionId,omitempty"`
	Payload        string       `json:"payload"`
	Priority       string       `json:"priority,omitempty"`
	Deadline       string       `json:"deadline,omitempty"`
	Capabilities   []string     `json:"capabilities,omitempty"`
	Region         string       `json:"region,omitempty"`
	RuntimeKinds   []string     `json:"runtimeKinds,omitempty"`
	BudgetCeiling  float64      `json:"budgetCeiling,omitempty"`
	BudgetOverride bool         `json:"budgetOverride,omitempty"`
	CorrelationID  string       `json:"correlationId,omitempty"`
	RetryPolicy    *RetryPolicy `json:"retryPolicy,omitempty"`
}

// RetryPolicy is the wire form of a task retry policy
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelayMS int64   `json:"baseDelayMs,omitempty"`
	MaxDelayMS  int64   `json:"maxDelayMs,omitempty"`
	Backoff     string  `json:"backoff,omitempty"`
	JitterPct   float64 `json:"jitterPct,omitempty"`
}

// TaskSummary is the API's view of a task
type TaskSummary struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	SessionID    string     `json:"sessionId,omitempty"`
	Priority     string     `json:"priority"`
	State        string     `json:"state"`
	FailureKind  string     `json:"failureKind,omitempty"`
	Message      string     `json:"message,omitempty"`
	InstanceID   string     `json:"instanceId,omitempty"`
	Attempts     int        `json:"attempts"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	RuntimeKinds []string   `json:"runtimeKinds,omitempty"`
}

// SubmitTask submits a task and returns its accepted view
func (c *Client) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*TaskSummary, error) {
	var out TaskSummary
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task
func (c *Client) GetTask(ctx context.Context, id string) (*TaskSummary, error) {
	var out TaskSummary
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks lists tasks, optionally filtered by tenant
func (c *Client) ListTasks(ctx context.Context, tenant string) ([]*TaskSummary, error) {
	path := "/v1/tasks"
	if tenant != "" {
		path += "?tenant=" + tenant
	}
	var out []*TaskSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask requests cooperative cancellation
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+id, nil, nil)
}

// ListAttempts returns the attempt history of a task
func (c *Client) ListAttempts(ctx context.Context, id string) ([]*types.Attempt, error) {
	var out []*types.Attempt
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInstances lists registered worker instances
func (c *Client) ListInstances(ctx context.Context) ([]*types.Instance, error) {
	var out []*types.Instance
	if err := c.do(ctx, http.MethodGet, "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DrainInstance starts a graceful drain of an instance
func (c *Client) DrainInstance(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/instances/"+id, nil, nil)
}

// SetBudget sets a tenant's cost ceiling
func (c *Client) SetBudget(ctx context.Context, tenant string, scope types.BudgetScope, limit float64) error {
	return c.do(ctx, http.MethodPut, "/v1/tenants/"+tenant+"/budget", map[string]interface{}{
		"scope": scope,
		"limit": limit,
	}, nil)
}

// SetQuota sets a tenant's concurrency ceilings
func (c *Client) SetQuota(ctx context.Context, tenant string, maxActiveTasks, maxInstances int) error {
	return c.do(ctx, http.MethodPut, "/v1/tenants/"+tenant+"/quota", map[string]interface{}{
		"maxActiveTasks": maxActiveTasks,
		"maxInstances":   maxInstances,
	}, nil)
}

// AuditHistory returns the audit entries of one entity
func (c *Client) AuditHistory(ctx context.Context, kind types.EntityKind, id string) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	if err := c.do(ctx, http.MethodGet, "/v1/audit/"+string(kind)+"/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RollbackBudget restores a tenant budget to an earlier audited state and
// returns the budget after the rollback
func (c *Client) RollbackBudget(ctx context.Context, tenant string, scope types.BudgetScope, targetSeq uint64) (*types.TenantBudget, error) {
	var out types.TenantBudget
	if err := c.do(ctx, http.MethodPost, "/v1/audit/rollback", map[string]interface{}{
		"kind":      types.EntityBudget,
		"entityId":  tenant + "/" + string(scope),
		"targetSeq": targetSeq,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinCluster asks the leader to add a control-plane member
func (c *Client) JoinCluster(ctx context.Context, nodeID, address string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/join", map[string]string{
		"nodeId":  nodeID,
		"address": address,
	}, nil)
}

// ClusterServer is one member of the control plane
type ClusterServer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ClusterServers lists control-plane membership
func (c *Client) ClusterServers(ctx context.Context) ([]*ClusterServer, error) {
	var out []*ClusterServer
	if err := c.do(ctx, http.MethodGet, "/v1/cluster/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Event is one decoded SSE event
type Event struct {
	ID         string            `json:"ID"`
	Type       string            `json:"Type"`
	Timestamp  time.Time         `json:"Timestamp"`
	TenantID   string            `json:"TenantID"`
	InstanceID string            `json:"InstanceID"`
	TaskID     string            `json:"TaskID"`
	Message    string            `json:"Message"`
	Metadata   map[string]string `json:"Metadata"`
}

// WatchEvents streams lifecycle events until ctx is cancelled, invoking
// fn for each. Query narrows the stream, e.g. "tenant=acme".
func (c *Client) WatchEvents(ctx context.Context, query string, fn func(*Event)) error {
	path := "/v1/events"
	if query != "" {
		path += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// No client timeout on the watch; the stream lives until cancel.
	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		fn(&event)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
