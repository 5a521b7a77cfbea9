package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultContainerdSocket is the standard containerd socket path
	DefaultContainerdSocket = "/run/containerd/containerd.sock"

	// DefaultContainerImage runs payloads when no image is configured
	DefaultContainerImage = "docker.io/library/alpine:3.19"

	containerWorkspace = "/workspace"
)

// Container runs each payload in a fresh container. The session's
// workspace is a host directory bind-mounted into every container, so
// state carries across executions.
type Container struct {
	client        *containerd.Client
	namespace     string
	image         string
	baseDir       string
	costPerSecond float64
	logger        zerolog.Logger
	execSeq       atomic.Uint64
}

// NewContainer creates the containerd-backed provider
func NewContainer(opts Options) (*Container, error) {
	socketPath := opts.ContainerdSocket
	if socketPath == "" {
		socketPath = DefaultContainerdSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to connect to containerd")
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "drover"
	}
	image := opts.ContainerImage
	if image == "" {
		image = DefaultContainerImage
	}

	baseDir := filepath.Join(opts.DataDir, "containers")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to create workspace dir")
	}

	return &Container{
		client:        client,
		namespace:     namespace,
		image:         image,
		baseDir:       baseDir,
		costPerSecond: opts.CostPerSecond,
		logger:        log.WithComponent("runtime.container"),
	}, nil
}

// Close closes the containerd client connection
func (c *Container) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Container) Kind() types.RuntimeKind { return types.RuntimeContainer }

func (c *Container) Capabilities() []string {
	return []string{CapNetworkIsolation, CapFSIsolation, CapSnapshot, CapResourceLimits, CapStreamingIO}
}

func (c *Container) Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Session, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	if _, err := c.client.GetImage(ctx, c.image); err != nil {
		c.logger.Info().Str("image", c.image).Msg("Pulling image")
		if _, err := c.client.Pull(ctx, c.image, containerd.WithPullUnpack); err != nil {
			return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to pull image %s", c.image)
		}
	}

	workspace := filepath.Join(c.baseDir, sessionID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to create workspace")
	}

	return &Session{
		ID:        sessionID,
		Kind:      types.RuntimeContainer,
		Handle:    workspace,
		CreatedAt: time.Now(),
		Metadata:  opts.Labels,
	}, nil
}

func (c *Container) Execute(ctx context.Context, session *Session, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	start := time.Now()
	exitCode, err := c.run(ctx, session, req, &output)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Output:   output.Bytes(),
		ExitCode: exitCode,
		Duration: elapsed,
		Cost:     costOf(elapsed, c.costPerSecond),
	}, nil
}

func (c *Container) ExecuteStream(ctx context.Context, session *Session, req *ExecRequest) (*Stream, error) {
	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	pr, pw := io.Pipe()
	stream := NewStream(16)

	go func() {
		defer cancel()
		defer stream.Close()

		done := make(chan struct{})
		var exitCode int
		var runErr error
		go func() {
			defer close(done)
			defer pw.Close()
			exitCode, runErr = c.run(ctx, session, req, pw)
		}()

		buf := make([]byte, 4096)
		for {
			n, readErr := pr.Read(buf)
			if n > 0 {
				if sendErr := stream.Send(ctx, StreamChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
					pr.CloseWithError(sendErr)
					<-done
					return
				}
			}
			if readErr != nil {
				break
			}
		}
		<-done

		final := StreamChunk{Final: true, ExitCode: exitCode}
		if runErr != nil {
			final.Err = runErr.Error()
		}
		_ = stream.Send(ctx, final)
	}()
	return stream, nil
}

// run executes one payload in a fresh container and returns its exit code
func (c *Container) run(ctx context.Context, session *Session, req *ExecRequest, stdout io.Writer) (int, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.GetImage(ctx, c.image)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransientLocal, err, "failed to get image %s", c.image)
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs("/bin/sh", "-c", string(req.Payload)),
		oci.WithProcessCwd(containerWorkspace),
		oci.WithMounts([]specs.Mount{
			{
				Source:      session.Handle,
				Destination: containerWorkspace,
				Type:        "bind",
				Options:     []string{"rw", "bind"},
			},
		}),
	}

	containerID := fmt.Sprintf("%s-exec-%d", session.ID, c.execSeq.Add(1))
	container, err := c.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransientLocal, err, "failed to create container")
	}
	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), c.namespace), 30*time.Second)
		defer cleanupCancel()
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			c.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to delete container")
		}
	}()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stdout)))
	if err != nil {
		return 0, faults.Wrap(faults.KindTransientLocal, err, "failed to create task")
	}
	defer func() {
		deleteCtx, deleteCancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), c.namespace), 30*time.Second)
		defer deleteCancel()
		if _, err := task.Delete(deleteCtx); err != nil {
			c.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to delete task")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransientLocal, err, "failed to wait on task")
	}
	if err := task.Start(ctx); err != nil {
		return 0, faults.Wrap(faults.KindTransientLocal, err, "failed to start task")
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return 0, faults.Wrap(faults.KindTransientLocal, err, "task wait failed")
		}
		return int(code), nil
	case <-ctx.Done():
		killCtx, killCancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), c.namespace), 10*time.Second)
		defer killCancel()
		if err := task.Kill(killCtx, syscall.SIGTERM); err == nil {
			select {
			case <-statusC:
			case <-killCtx.Done():
				_ = task.Kill(killCtx, syscall.SIGKILL)
				<-statusC
			}
		}
		if ctx.Err() == context.Canceled {
			return 0, faults.Wrap(faults.KindCancelled, ctx.Err(), "execution cancelled")
		}
		return 0, faults.Wrap(faults.KindDeadlineExceeded, ctx.Err(), "execution timed out")
	}
}

func (c *Container) HealthCheck(ctx context.Context, session *Session) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	if _, err := c.client.Version(ctx); err != nil {
		return faults.Wrap(faults.KindTransientLocal, err, "containerd unreachable")
	}
	if session != nil {
		if _, err := os.Stat(session.Handle); err != nil {
			return faults.Wrap(faults.KindTransientLocal, err, "session %s workspace missing", session.ID)
		}
	}
	return nil
}

// Snapshot archives the session's host workspace
func (c *Container) Snapshot(ctx context.Context, session *Session) ([]byte, error) {
	data, err := tarDir(session.Handle)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to snapshot workspace")
	}
	return data, nil
}

// Restore recreates a session workspace from a snapshot
func (c *Container) Restore(ctx context.Context, sessionID string, snapshot []byte) (*Session, error) {
	session, err := c.Spawn(ctx, sessionID, SpawnOptions{})
	if err != nil {
		return nil, err
	}
	if err := untarDir(session.Handle, snapshot); err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "corrupt snapshot")
	}
	return session, nil
}

func (c *Container) Destroy(ctx context.Context, session *Session) error {
	if err := os.RemoveAll(session.Handle); err != nil {
		return faults.Wrap(faults.KindTransientLocal, err, "failed to remove workspace")
	}
	return nil
}
