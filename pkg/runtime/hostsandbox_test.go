package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHostSandbox(t *testing.T) *HostSandbox {
	t.Helper()
	h, err := NewHostSandbox(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	return h
}

func TestHostSandboxExecute(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)
	defer h.Destroy(ctx, session)

	result, err := h.Execute(ctx, session, &ExecRequest{Payload: []byte("echo hello")})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", string(result.Output))
	assert.Greater(t, result.Cost, 0.0)
}

func TestHostSandboxNonZeroExitIsResultNotError(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)

	result, err := h.Execute(ctx, session, &ExecRequest{Payload: []byte("exit 3")})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestHostSandboxEnvAndWorkspace(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)

	result, err := h.Execute(ctx, session, &ExecRequest{
		Payload: []byte("echo $GREETING > out.txt; pwd"),
		Env:     map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(result.Output), session.Handle)

	data, err := os.ReadFile(filepath.Join(session.Handle, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestHostSandboxTimeout(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)

	_, err = h.Execute(ctx, session, &ExecRequest{
		Payload: []byte("sleep 5"),
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindDeadlineExceeded))
}

func TestHostSandboxCancelIsNotTimeout(t *testing.T) {
	h := newHostSandbox(t)

	session, err := h.Spawn(context.Background(), "s-1", SpawnOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = h.Execute(ctx, session, &ExecRequest{Payload: []byte("sleep 5")})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindCancelled))
	assert.False(t, faults.Is(err, faults.KindDeadlineExceeded))
}

func TestHostSandboxExecuteStream(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)

	stream, err := h.ExecuteStream(ctx, session, &ExecRequest{
		Payload: []byte("echo one; echo two; exit 4"),
	})
	require.NoError(t, err)

	var output []byte
	var final StreamChunk
	for chunk := range stream.Chunks() {
		if chunk.Final {
			final = chunk
			continue
		}
		output = append(output, chunk.Data...)
	}
	assert.Equal(t, "one\ntwo\n", string(output))
	assert.Equal(t, 4, final.ExitCode)
}

func TestHostSandboxSnapshotRestore(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)

	_, err = h.Execute(ctx, session, &ExecRequest{Payload: []byte("mkdir -p sub && echo state > sub/f.txt")})
	require.NoError(t, err)

	snapshot, err := h.Snapshot(ctx, session)
	require.NoError(t, err)
	require.NoError(t, h.Destroy(ctx, session))

	restored, err := h.Restore(ctx, "s-2", snapshot)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(restored.Handle, "sub", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "state\n", string(data))
}

func TestHostSandboxDestroyRemovesWorkspace(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Destroy(ctx, session))

	_, err = os.Stat(session.Handle)
	assert.True(t, os.IsNotExist(err))
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	_, err := New(types.RuntimeKind("bogus"), Options{})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))
}

func TestFactoryBuildsHostSandbox(t *testing.T) {
	p, err := New(types.RuntimeHostSandbox, Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeHostSandbox, p.Kind())
	assert.NoError(t, p.HealthCheck(context.Background(), nil))
}

func TestHostSandboxCapabilitiesAreFeatureFlags(t *testing.T) {
	h := newHostSandbox(t)
	caps := h.Capabilities()
	assert.Contains(t, caps, CapFSIsolation)
	assert.Contains(t, caps, CapSnapshot)
	assert.Contains(t, caps, CapStreamingIO)
	// Subprocesses cannot promise these.
	assert.NotContains(t, caps, CapNetworkIsolation)
	assert.NotContains(t, caps, CapResourceLimits)
}

func TestHostSandboxSessionHealth(t *testing.T) {
	h := newHostSandbox(t)
	ctx := context.Background()

	session, err := h.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)
	assert.NoError(t, h.HealthCheck(ctx, session))

	require.NoError(t, h.Destroy(ctx, session))
	err = h.HealthCheck(ctx, session)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientLocal))
}
