package runtime

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// HostSandbox runs payloads as subprocesses confined to a per-session
// workspace directory. Weakest isolation, always available.
type HostSandbox struct {
	baseDir       string
	shell         string
	costPerSecond float64
	logger        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHostSandbox creates the host sandbox provider
func NewHostSandbox(opts Options) (*HostSandbox, error) {
	baseDir := filepath.Join(opts.DataDir, "sandbox")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to create sandbox dir")
	}
	return &HostSandbox{
		baseDir:       baseDir,
		shell:         "/bin/sh",
		costPerSecond: opts.CostPerSecond,
		logger:        log.WithComponent("runtime.hostsandbox"),
		sessions:      make(map[string]*Session),
	}, nil
}

func (h *HostSandbox) Kind() types.RuntimeKind { return types.RuntimeHostSandbox }

func (h *HostSandbox) Capabilities() []string {
	// Subprocesses share the host network and are not cgroup-limited.
	return []string{CapFSIsolation, CapSnapshot, CapStreamingIO}
}

func (h *HostSandbox) Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Session, error) {
	workspace := filepath.Join(h.baseDir, sessionID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to create workspace")
	}

	session := &Session{
		ID:        sessionID,
		Kind:      types.RuntimeHostSandbox,
		Handle:    workspace,
		CreatedAt: time.Now(),
		Metadata:  opts.Labels,
	}

	h.mu.Lock()
	h.sessions[sessionID] = session
	h.mu.Unlock()

	h.logger.Debug().Str("session_id", sessionID).Str("workspace", workspace).Msg("Session spawned")
	return session, nil
}

func (h *HostSandbox) Execute(ctx context.Context, session *Session, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := h.command(ctx, session, req)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &ExecResult{
		Output:   output.Bytes(),
		Duration: elapsed,
		Cost:     costOf(elapsed, h.costPerSecond),
	}

	if err != nil {
		// A context kill also surfaces as an ExitError (signal: killed),
		// so the interruption cause is decided first.
		switch ctx.Err() {
		case context.Canceled:
			return nil, faults.Wrap(faults.KindCancelled, ctx.Err(), "execution cancelled")
		case context.DeadlineExceeded:
			return nil, faults.Wrap(faults.KindDeadlineExceeded, ctx.Err(), "execution timed out")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to run payload")
	}
	return result, nil
}

func (h *HostSandbox) ExecuteStream(ctx context.Context, session *Session, req *ExecRequest) (*Stream, error) {
	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	cmd := h.command(ctx, session, req)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to open stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to start payload")
	}

	stream := NewStream(16)
	go func() {
		defer cancel()
		defer stream.Close()

		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := StreamChunk{Data: append([]byte(nil), buf[:n]...)}
				if sendErr := stream.Send(ctx, chunk); sendErr != nil {
					_ = cmd.Process.Kill()
					_ = cmd.Wait()
					return
				}
			}
			if readErr != nil {
				break
			}
		}

		final := StreamChunk{Final: true}
		if waitErr := cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				final.ExitCode = exitErr.ExitCode()
			} else {
				final.Err = waitErr.Error()
			}
		}
		_ = stream.Send(ctx, final)
	}()
	return stream, nil
}

func (h *HostSandbox) HealthCheck(ctx context.Context, session *Session) error {
	if _, err := os.Stat(h.baseDir); err != nil {
		return faults.Wrap(faults.KindTransientLocal, err, "sandbox dir unavailable")
	}
	if session != nil {
		if _, err := os.Stat(session.Handle); err != nil {
			return faults.Wrap(faults.KindTransientLocal, err, "session %s workspace missing", session.ID)
		}
	}
	return nil
}

// Snapshot archives the session workspace as a tar stream
func (h *HostSandbox) Snapshot(ctx context.Context, session *Session) ([]byte, error) {
	data, err := tarDir(session.Handle)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to snapshot workspace")
	}
	return data, nil
}

// Restore recreates a session workspace from a tar snapshot
func (h *HostSandbox) Restore(ctx context.Context, sessionID string, snapshot []byte) (*Session, error) {
	session, err := h.Spawn(ctx, sessionID, SpawnOptions{})
	if err != nil {
		return nil, err
	}
	if err := untarDir(session.Handle, snapshot); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "corrupt snapshot")
	}
	return session, nil
}

func (h *HostSandbox) Destroy(ctx context.Context, session *Session) error {
	h.mu.Lock()
	delete(h.sessions, session.ID)
	h.mu.Unlock()

	if err := os.RemoveAll(session.Handle); err != nil {
		return faults.Wrap(faults.KindTransientLocal, err, "failed to remove workspace")
	}
	h.logger.Debug().Str("session_id", session.ID).Msg("Session destroyed")
	return nil
}

func (h *HostSandbox) command(ctx context.Context, session *Session, req *ExecRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, h.shell, "-c", string(req.Payload))
	cmd.Dir = session.Handle
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}
