package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/policy"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(tenant string) *types.Task {
	return &types.Task{ID: "t-1", TenantID: tenant}
}

func TestFirstRungSucceeds(t *testing.T) {
	ladder := NewLadder(policy.AllowAll(), nil)

	var tried []types.RuntimeKind
	result, kind, err := ladder.Run(context.Background(), task("acme"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			tried = append(tried, kind)
			return &runtime.ExecResult{ExitCode: 0}, nil
		}, nil)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.RuntimeRemoteSandbox, kind)
	assert.Equal(t, []types.RuntimeKind{types.RuntimeRemoteSandbox}, tried)
}

func TestTransientFailureDescends(t *testing.T) {
	ladder := NewLadder(policy.AllowAll(), nil)

	var tried []types.RuntimeKind
	_, kind, err := ladder.Run(context.Background(), task("acme"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			tried = append(tried, kind)
			if kind == types.RuntimeRemoteSandbox {
				return nil, faults.New(faults.KindTransientRemote, "sandbox unavailable")
			}
			return &runtime.ExecResult{}, nil
		}, nil)

	require.NoError(t, err)
	assert.Equal(t, types.RuntimeMicroVM, kind)
	assert.Equal(t, types.DefaultFallbackOrder[:2], tried)
}

func TestPermanentFailureStopsDescent(t *testing.T) {
	ladder := NewLadder(policy.AllowAll(), nil)

	calls := 0
	_, _, err := ladder.Run(context.Background(), task("acme"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			calls++
			return nil, faults.New(faults.KindPermanentProvider, "payload rejected")
		}, nil)

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindPermanentProvider))
	assert.Equal(t, 1, calls)
}

func TestExhaustionWrapsLastError(t *testing.T) {
	ladder := NewLadder(policy.AllowAll(), nil)

	var observed []types.RuntimeKind
	_, _, err := ladder.Run(context.Background(), task("acme"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			return nil, faults.New(faults.KindTransientLocal, "boom on %s", kind)
		},
		func(kind types.RuntimeKind, err error) {
			observed = append(observed, kind)
		})

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAllProvidersExhausted))
	assert.Len(t, observed, len(types.DefaultFallbackOrder))
}

func TestHighRiskDescentBlockedWithEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	blocked := make(chan *events.Event, 1)
	bus.Subscribe(events.TypeFilter(events.EventTaskFallbackBlocked), func(e *events.Event) error {
		blocked <- e
		return nil
	})

	p := policy.AllowAll()
	p.SetTenant("risky", policy.TenantRule{
		AllowedKinds: types.AllRuntimeKinds(),
		HighRisk:     true,
	})
	ladder := NewLadder(p, bus)

	var tried []types.RuntimeKind
	_, _, err := ladder.Run(context.Background(), task("risky"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			tried = append(tried, kind)
			return nil, faults.New(faults.KindTransientRemote, "down")
		}, nil)

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAllProvidersExhausted))
	// host-sandbox counts as exhausted without ever being attempted.
	assert.Equal(t, []types.RuntimeKind{types.RuntimeRemoteSandbox, types.RuntimeMicroVM}, tried)

	select {
	case e := <-blocked:
		assert.Equal(t, string(types.RuntimeHostSandbox), e.Metadata["runtime_kind"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected task.fallback.blocked event")
	}
}

func TestPinnedLadderIsRespected(t *testing.T) {
	ladder := NewLadder(policy.AllowAll(), nil)

	pinned := task("acme")
	pinned.RuntimeKinds = []types.RuntimeKind{types.RuntimeContainer, types.RuntimeHostSandbox}

	var tried []types.RuntimeKind
	_, _, _ = ladder.Run(context.Background(), pinned,
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			tried = append(tried, kind)
			return nil, faults.New(faults.KindTransientLocal, "down")
		}, nil)

	assert.Equal(t, pinned.RuntimeKinds, tried)
}

func TestNoPermittedKindIsPolicyDenied(t *testing.T) {
	p := policy.NewStatic(policy.TenantRule{
		AllowedKinds: []types.RuntimeKind{types.RuntimeContainer},
	})
	ladder := NewLadder(p, nil)

	// Default ladder has no overlap with the allowed kinds.
	_, _, err := ladder.Run(context.Background(), task("acme"),
		func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
			t.Fatal("should not attempt")
			return nil, nil
		}, nil)

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindPolicyDenied))
}
