package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// RemoteSandbox executes payloads on a dedicated sandbox service over
// HTTP/JSON. Strongest practical isolation in the default ladder.
type RemoteSandbox struct {
	endpoint      string
	token         string
	client        *http.Client
	costPerSecond float64
	logger        zerolog.Logger
}

// NewRemoteSandbox creates the remote sandbox provider
func NewRemoteSandbox(opts Options) (*RemoteSandbox, error) {
	if opts.RemoteEndpoint == "" {
		return nil, faults.New(faults.KindInvalidInput, "remote sandbox endpoint is required")
	}
	return &RemoteSandbox{
		endpoint:      strings.TrimRight(opts.RemoteEndpoint, "/"),
		token:         opts.RemoteToken,
		client:        &http.Client{Timeout: 5 * time.Minute},
		costPerSecond: opts.CostPerSecond,
		logger:        log.WithComponent("runtime.remote"),
	}, nil
}

func (r *RemoteSandbox) Kind() types.RuntimeKind { return types.RuntimeRemoteSandbox }

func (r *RemoteSandbox) Capabilities() []string {
	return []string{CapNetworkIsolation, CapFSIsolation, CapSnapshot, CapResourceLimits, CapStreamingIO}
}

type remoteSpawnRequest struct {
	SessionID string            `json:"sessionId"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type remoteSpawnResponse struct {
	Handle string `json:"handle"`
}

type remoteExecRequest struct {
	TaskID    string            `json:"taskId"`
	Payload   []byte            `json:"payload"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
}

type remoteExecResponse struct {
	Output   []byte  `json:"output"`
	ExitCode int     `json:"exitCode"`
	Cost     float64 `json:"cost"`
}

func (r *RemoteSandbox) Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Session, error) {
	var resp remoteSpawnResponse
	err := r.do(ctx, http.MethodPost, "/v1/sessions", remoteSpawnRequest{
		SessionID: sessionID,
		Env:       opts.Env,
		Labels:    opts.Labels,
	}, &resp)
	if err != nil {
		return nil, err
	}

	handle := resp.Handle
	if handle == "" {
		handle = sessionID
	}
	return &Session{
		ID:        sessionID,
		Kind:      types.RuntimeRemoteSandbox,
		Handle:    handle,
		CreatedAt: time.Now(),
		Metadata:  opts.Labels,
	}, nil
}

func (r *RemoteSandbox) Execute(ctx context.Context, session *Session, req *ExecRequest) (*ExecResult, error) {
	start := time.Now()
	var resp remoteExecResponse
	err := r.do(ctx, http.MethodPost, "/v1/sessions/"+session.Handle+"/exec", remoteExecRequest{
		TaskID:    req.TaskID,
		Payload:   req.Payload,
		Env:       req.Env,
		TimeoutMS: req.Timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	cost := resp.Cost
	if cost == 0 {
		cost = costOf(elapsed, r.costPerSecond)
	}
	return &ExecResult{
		Output:   resp.Output,
		ExitCode: resp.ExitCode,
		Duration: elapsed,
		Cost:     cost,
	}, nil
}

// ExecuteStream consumes newline-delimited JSON chunks from the service
func (r *RemoteSandbox) ExecuteStream(ctx context.Context, session *Session, req *ExecRequest) (*Stream, error) {
	body, err := json.Marshal(remoteExecRequest{
		TaskID:    req.TaskID,
		Payload:   req.Payload,
		Env:       req.Env,
		TimeoutMS: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/v1/sessions/"+session.Handle+"/exec/stream", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to build request")
	}
	r.setHeaders(httpReq)

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "sandbox service unreachable")
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, r.statusError(httpResp)
	}

	stream := NewStream(16)
	go func() {
		defer httpResp.Body.Close()
		defer stream.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk StreamChunk
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				_ = stream.Send(ctx, StreamChunk{Err: "malformed stream chunk", Final: true})
				return
			}
			if err := stream.Send(ctx, chunk); err != nil {
				return
			}
			if chunk.Final {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			_ = stream.Send(ctx, StreamChunk{Err: err.Error(), Final: true})
		}
	}()
	return stream, nil
}

func (r *RemoteSandbox) HealthCheck(ctx context.Context, session *Session) error {
	if session != nil {
		return r.do(ctx, http.MethodGet, "/v1/sessions/"+session.Handle, nil, nil)
	}
	return r.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (r *RemoteSandbox) Snapshot(ctx context.Context, session *Session) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.endpoint+"/v1/sessions/"+session.Handle+"/snapshot", nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to build request")
	}
	r.setHeaders(httpReq)

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "sandbox service unreachable")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, r.statusError(httpResp)
	}
	return io.ReadAll(httpResp.Body)
}

func (r *RemoteSandbox) Restore(ctx context.Context, sessionID string, snapshot []byte) (*Session, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/v1/sessions/"+sessionID+"/restore", bytes.NewReader(snapshot))
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to build request")
	}
	r.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "sandbox service unreachable")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, r.statusError(httpResp)
	}
	return &Session{
		ID:        sessionID,
		Kind:      types.RuntimeRemoteSandbox,
		Handle:    sessionID,
		CreatedAt: time.Now(),
	}, nil
}

func (r *RemoteSandbox) Destroy(ctx context.Context, session *Session) error {
	return r.do(ctx, http.MethodDelete, "/v1/sessions/"+session.Handle, nil, nil)
}

func (r *RemoteSandbox) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return faults.Wrap(faults.KindInvalidInput, err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, body)
	if err != nil {
		return faults.Wrap(faults.KindInvalidInput, err, "failed to build request")
	}
	r.setHeaders(httpReq)

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			return faults.Wrap(faults.KindCancelled, ctx.Err(), "sandbox request cancelled")
		case context.DeadlineExceeded:
			return faults.Wrap(faults.KindDeadlineExceeded, ctx.Err(), "sandbox request timed out")
		}
		return faults.Wrap(faults.KindTransientRemote, err, "sandbox service unreachable")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return r.statusError(httpResp)
	}
	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return faults.Wrap(faults.KindTransientRemote, err, "malformed sandbox response")
		}
	}
	return nil
}

func (r *RemoteSandbox) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

// statusError maps HTTP status classes to fault kinds: overload and server
// errors are transient, the rest of 4xx is a permanent provider rejection.
func (r *RemoteSandbox) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return faults.New(faults.KindTransientRemote, "sandbox service: %s", msg)
	default:
		return faults.New(faults.KindPermanentProvider, "sandbox service rejected request (%d): %s", resp.StatusCode, msg)
	}
}
