package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/types"
)

// Dispatcher executes one attempt of a task against a chosen instance
type Dispatcher interface {
	Dispatch(ctx context.Context, inst *types.Instance, task *types.Task, kind types.RuntimeKind) (*runtime.ExecResult, error)
}

// HTTPDispatcher sends attempts to worker instances over their HTTP
// endpoint. Workers spawn the session on the requested runtime kind and
// run the payload to completion.
type HTTPDispatcher struct {
	client *http.Client
	token  string
}

// NewHTTPDispatcher creates the default dispatcher
func NewHTTPDispatcher(token string) *HTTPDispatcher {
	return &HTTPDispatcher{
		client: &http.Client{Timeout: 30 * time.Minute},
		token:  token,
	}
}

type dispatchRequest struct {
	TaskID      string            `json:"taskId"`
	SessionID   string            `json:"sessionId,omitempty"`
	RuntimeKind types.RuntimeKind `json:"runtimeKind"`
	Payload     []byte            `json:"payload"`
	TimeoutMS   int64             `json:"timeoutMs,omitempty"`
}

type dispatchResponse struct {
	Output   []byte  `json:"output"`
	ExitCode int     `json:"exitCode"`
	Cost     float64 `json:"cost"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, inst *types.Instance, task *types.Task, kind types.RuntimeKind) (*runtime.ExecResult, error) {
	var timeout int64
	if !task.Deadline.IsZero() {
		timeout = time.Until(task.Deadline).Milliseconds()
	}
	body, err := json.Marshal(dispatchRequest{
		TaskID:      task.ID,
		SessionID:   task.SessionID,
		RuntimeKind: kind,
		Payload:     task.Payload,
		TimeoutMS:   timeout,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to encode dispatch")
	}

	url := strings.TrimRight(inst.Endpoint, "/") + "/v1/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to build dispatch")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		// A cancelled caller and an expired deadline are different
		// outcomes for the task.
		switch ctx.Err() {
		case context.Canceled:
			return nil, faults.Wrap(faults.KindCancelled, ctx.Err(), "dispatch interrupted")
		case context.DeadlineExceeded:
			return nil, faults.Wrap(faults.KindDeadlineExceeded, ctx.Err(), "dispatch deadline exceeded")
		}
		return nil, faults.Wrap(faults.KindInstanceLost, err, "instance %s unreachable", inst.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, faults.New(faults.KindTransientRemote, "instance %s: %s", inst.ID, msg)
		}
		return nil, faults.New(faults.KindPermanentProvider, "instance %s rejected attempt (%d): %s", inst.ID, resp.StatusCode, msg)
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "malformed response from instance %s", inst.ID)
	}
	return &runtime.ExecResult{
		Output:   out.Output,
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
		Cost:     out.Cost,
	}, nil
}

// LocalDispatcher runs attempts against in-process runtime providers,
// used when the control plane and workers share a node.
type LocalDispatcher struct {
	providers map[types.RuntimeKind]runtime.Provider
}

// NewLocalDispatcher creates a dispatcher over the given providers
func NewLocalDispatcher(providers map[types.RuntimeKind]runtime.Provider) *LocalDispatcher {
	return &LocalDispatcher{providers: providers}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, inst *types.Instance, task *types.Task, kind types.RuntimeKind) (*runtime.ExecResult, error) {
	provider, ok := d.providers[kind]
	if !ok {
		return nil, faults.New(faults.KindPermanentProvider, "no local provider for %s", kind)
	}

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = task.ID
	}
	session, err := provider.Spawn(ctx, sessionID, runtime.SpawnOptions{
		Labels: map[string]string{"tenant": task.TenantID},
	})
	if err != nil {
		return nil, err
	}

	var timeout time.Duration
	if !task.Deadline.IsZero() {
		timeout = time.Until(task.Deadline)
	}
	result, err := provider.Execute(ctx, session, &runtime.ExecRequest{
		TaskID:  task.ID,
		Payload: task.Payload,
		Timeout: timeout,
	})

	// Unaffiliated sessions do not outlive the attempt.
	if task.SessionID == "" {
		_ = provider.Destroy(context.WithoutCancel(ctx), session)
	}
	return result, err
}
