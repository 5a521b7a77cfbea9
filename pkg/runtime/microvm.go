package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"
)

const guestSessionRoot = "/tmp/drover/sessions"

// MicroVM runs payloads inside a shared Lima virtual machine. One VM is
// kept per provider; sessions are directories inside the guest.
type MicroVM struct {
	vmName        string
	dataDir       string
	costPerSecond float64
	logger        zerolog.Logger

	mu      sync.Mutex
	vm      *store.Instance
	started bool
}

// NewMicroVM creates the Lima-backed microVM provider
func NewMicroVM(opts Options) (*MicroVM, error) {
	if _, err := exec.LookPath("limactl"); err != nil {
		return nil, faults.Wrap(faults.KindPermanentProvider, err, "limactl not installed")
	}

	vmName := opts.VMName
	if vmName == "" {
		vmName = "drover"
	}
	return &MicroVM{
		vmName:        vmName,
		dataDir:       opts.DataDir,
		costPerSecond: opts.CostPerSecond,
		logger:        log.WithComponent("runtime.microvm"),
	}, nil
}

func (m *MicroVM) Kind() types.RuntimeKind { return types.RuntimeMicroVM }

func (m *MicroVM) Capabilities() []string {
	return []string{CapNetworkIsolation, CapFSIsolation, CapSnapshot, CapResourceLimits, CapStreamingIO}
}

// ensureVM starts the shared VM, creating it on first use
func (m *MicroVM) ensureVM(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	inst, err := store.Inspect(m.vmName)
	if err != nil {
		m.logger.Info().Str("vm", m.vmName).Msg("Creating microVM")
		configYAML, merr := limayaml.Marshal(m.vmConfig(), false)
		if merr != nil {
			return faults.Wrap(faults.KindPermanentProvider, merr, "failed to marshal vm config")
		}
		if _, cerr := instance.Create(ctx, m.vmName, configYAML, false); cerr != nil {
			return faults.Wrap(faults.KindTransientLocal, cerr, "failed to create vm")
		}
		inst, err = store.Inspect(m.vmName)
		if err != nil {
			return faults.Wrap(faults.KindTransientLocal, err, "failed to inspect created vm")
		}
	}
	m.vm = inst

	if inst.Status != store.StatusRunning {
		m.logger.Info().Str("vm", m.vmName).Msg("Starting microVM")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return faults.Wrap(faults.KindTransientLocal, err, "failed to start vm")
		}
		if err := m.waitForReady(ctx); err != nil {
			return err
		}
	}
	m.started = true
	return nil
}

func (m *MicroVM) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return faults.New(faults.KindTransientLocal, "timeout waiting for vm %s", m.vmName)
		case <-ticker.C:
			inst, err := store.Inspect(m.vmName)
			if err != nil {
				continue
			}
			if inst.Status == store.StatusRunning {
				m.vm = inst
				return nil
			}
		}
	}
}

func (m *MicroVM) vmConfig() *limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if goruntime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}
	cpus := 2
	memory := "2GiB"
	disk := "10GiB"

	return &limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso",
				Arch:     limayaml.AARCH64,
			}},
			{File: limayaml.File{
				Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso",
				Arch:     limayaml.X8664,
			}},
		},
		Mounts: []limayaml.Mount{
			{Location: m.dataDir, Writable: boolPtr(true)},
		},
	}
}

func (m *MicroVM) Spawn(ctx context.Context, sessionID string, opts SpawnOptions) (*Session, error) {
	if err := m.ensureVM(ctx); err != nil {
		return nil, err
	}

	guestDir := guestSessionRoot + "/" + sessionID
	if _, err := m.shell(ctx, "mkdir -p "+guestDir, nil); err != nil {
		return nil, err
	}
	return &Session{
		ID:        sessionID,
		Kind:      types.RuntimeMicroVM,
		Handle:    guestDir,
		CreatedAt: time.Now(),
		Metadata:  opts.Labels,
	}, nil
}

func (m *MicroVM) Execute(ctx context.Context, session *Session, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	script := "cd " + session.Handle + " && " + string(req.Payload)
	start := time.Now()
	output, err := m.shellWithEnv(ctx, script, req.Env, nil)
	elapsed := time.Since(start)

	result := &ExecResult{
		Output:   output,
		Duration: elapsed,
		Cost:     costOf(elapsed, m.costPerSecond),
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
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to execute in vm")
	}
	return result, nil
}

func (m *MicroVM) ExecuteStream(ctx context.Context, session *Session, req *ExecRequest) (*Stream, error) {
	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	script := "cd " + session.Handle + " && " + string(req.Payload)
	cmd := m.shellCmd(ctx, script, req.Env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to open stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, faults.Wrap(faults.KindTransientLocal, err, "failed to start vm shell")
	}

	stream := NewStream(16)
	go func() {
		defer cancel()
		defer stream.Close()

		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				if sendErr := stream.Send(ctx, StreamChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
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

func (m *MicroVM) HealthCheck(ctx context.Context, session *Session) error {
	inst, err := store.Inspect(m.vmName)
	if err != nil {
		return faults.Wrap(faults.KindTransientLocal, err, "failed to inspect vm")
	}
	if inst.Status != store.StatusRunning {
		return faults.New(faults.KindTransientLocal, "vm %s not running (%s)", m.vmName, inst.Status)
	}
	if session != nil {
		if _, err := m.shell(ctx, "test -d "+session.Handle, nil); err != nil {
			return faults.Wrap(faults.KindTransientLocal, err, "session %s missing in vm", session.ID)
		}
	}
	return nil
}

// Snapshot tars the guest session directory over the shell channel
func (m *MicroVM) Snapshot(ctx context.Context, session *Session) ([]byte, error) {
	return m.shell(ctx, fmt.Sprintf("tar -C %s -cf - .", session.Handle), nil)
}

// Restore untars a snapshot into a fresh guest session directory
func (m *MicroVM) Restore(ctx context.Context, sessionID string, snapshot []byte) (*Session, error) {
	session, err := m.Spawn(ctx, sessionID, SpawnOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := m.shell(ctx, fmt.Sprintf("tar -C %s -xf -", session.Handle), snapshot); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *MicroVM) Destroy(ctx context.Context, session *Session) error {
	_, err := m.shell(ctx, "rm -rf "+session.Handle, nil)
	return err
}

// Shutdown stops the shared VM gracefully, forcing after failure
func (m *MicroVM) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vm == nil {
		return nil
	}
	if err := instance.StopGracefully(ctx, m.vm, false); err != nil {
		m.logger.Warn().Err(err).Msg("Graceful vm stop failed, forcing")
		instance.StopForcibly(m.vm)
	}
	m.started = false
	return nil
}

func (m *MicroVM) shell(ctx context.Context, script string, stdin []byte) ([]byte, error) {
	cmd := m.shellCmd(ctx, script, nil)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	output, err := cmd.Output()
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientLocal, err, "vm shell failed")
	}
	return output, nil
}

func (m *MicroVM) shellWithEnv(ctx context.Context, script string, env map[string]string, stdin []byte) ([]byte, error) {
	cmd := m.shellCmd(ctx, script, env)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.Bytes(), err
}

func (m *MicroVM) shellCmd(ctx context.Context, script string, env map[string]string) *exec.Cmd {
	var prefix string
	for k, v := range env {
		prefix += fmt.Sprintf("export %s=%q; ", k, v)
	}
	return exec.CommandContext(ctx, "limactl", "shell", m.vmName, "sh", "-c", prefix+script)
}

func boolPtr(b bool) *bool {
	return &b
}
