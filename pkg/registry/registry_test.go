package registry

import (
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(id string) *types.Instance {
	return &types.Instance{
		ID:           id,
		Endpoint:     "http://worker-" + id + ":8080",
		Capabilities: []string{"python", "git"},
		RuntimeKinds: []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox},
		Region:       "us-east",
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := NewRegistry(store, nil, 2*time.Minute, opts...)
	require.NoError(t, err)
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(testInstance("i-1")))

	inst, ok := reg.Get("i-1")
	require.True(t, ok)
	assert.Equal(t, types.InstanceActive, inst.Status)
	assert.Equal(t, types.HealthUnknown, inst.Health.Status)
	assert.False(t, inst.RegisteredAt.IsZero())
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, reg.Register(testInstance("i-1")))
	assert.Len(t, reg.List(), 1)
}

func TestRegisterRejectsConflictingEndpoint(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(testInstance("i-1")))

	conflicting := testInstance("i-1")
	conflicting.Endpoint = "http://elsewhere:8080"
	assert.Error(t, reg.Register(conflicting))
}

func TestRegisterValidatesInput(t *testing.T) {
	reg := newTestRegistry(t)

	assert.Error(t, reg.Register(&types.Instance{Endpoint: "http://x"}))

	noKinds := testInstance("i-1")
	noKinds.RuntimeKinds = nil
	assert.Error(t, reg.Register(noKinds))
}

func TestDeregisterMovesToDraining(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	got := make(chan *events.Event, 1)
	bus.Subscribe(events.TypeFilter(events.EventInstanceDraining), func(e *events.Event) error {
		got <- e
		return nil
	})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	reg, err := NewRegistry(store, bus, 2*time.Minute)
	require.NoError(t, err)

	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, reg.Deregister("i-1"))

	inst, _ := reg.Get("i-1")
	assert.Equal(t, types.InstanceDraining, inst.Status)

	_, ok := reg.DrainDeadline("i-1")
	assert.True(t, ok)

	select {
	case e := <-got:
		assert.Equal(t, "i-1", e.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected instance.draining event")
	}

	// Deregistering again is a no-op.
	require.NoError(t, reg.Deregister("i-1"))
}

func TestExpiredDrains(t *testing.T) {
	now := time.Now()
	reg := newTestRegistry(t, WithClock(func() time.Time { return now }))

	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, reg.Deregister("i-1"))

	assert.Empty(t, reg.ExpiredDrains())

	now = now.Add(3 * time.Minute)
	assert.Equal(t, []string{"i-1"}, reg.ExpiredDrains())
}

func TestRemoveClearsCapabilityIndex(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, reg.Register(testInstance("i-2")))
	assert.Equal(t, []string{"i-1", "i-2"}, reg.WithCapability("python"))

	require.NoError(t, reg.Remove("i-1", "drain deadline passed"))
	assert.Equal(t, []string{"i-2"}, reg.WithCapability("python"))

	_, ok := reg.Get("i-1")
	assert.False(t, ok)
}

func TestHeartbeatUpdatesLoad(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(testInstance("i-1")))

	require.NoError(t, reg.Heartbeat("i-1", &types.LoadSnapshot{CPUUtil: 0.4, ActiveSessions: 3}))

	inst, _ := reg.Get("i-1")
	assert.Equal(t, 0.4, inst.Load.CPUUtil)
	assert.False(t, inst.Load.LastUpdated.IsZero())

	assert.Error(t, reg.Heartbeat("missing", &types.LoadSnapshot{}))
}

func TestFederationUtilization(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, reg.Register(testInstance("i-2")))
	require.NoError(t, reg.Heartbeat("i-1", &types.LoadSnapshot{CPUUtil: 0.2}))
	require.NoError(t, reg.Heartbeat("i-2", &types.LoadSnapshot{CPUUtil: 0.8}))

	assert.InDelta(t, 0.5, reg.FederationUtilization(), 0.001)

	// Draining instances drop out of the average.
	require.NoError(t, reg.Deregister("i-2"))
	assert.InDelta(t, 0.2, reg.FederationUtilization(), 0.001)
}

func TestPersistedInstancesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	reg, err := NewRegistry(store, nil, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, reg.Register(testInstance("i-1")))
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	reg2, err := NewRegistry(store2, nil, 2*time.Minute)
	require.NoError(t, err)

	inst, ok := reg2.Get("i-1")
	require.True(t, ok)
	assert.Equal(t, "http://worker-i-1:8080", inst.Endpoint)
	assert.Equal(t, []string{"i-1"}, reg2.WithCapability("git"))
}
