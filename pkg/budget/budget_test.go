package budget

import (
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGate(opts ...Option) *Gate {
	return NewGate(config.DefaultConfig().Budget, nil, opts...)
}

func dailyBudget(tenant string, limit float64) *types.TenantBudget {
	return &types.TenantBudget{
		TenantID: tenant,
		Scope:    types.BudgetScopeDaily,
		Limit:    limit,
	}
}

func TestAdmitReservesEstimate(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 30, false)
	require.NoError(t, err)
	require.NotNil(t, res)

	b, ok := gate.Budget("acme", types.BudgetScopeDaily)
	require.True(t, ok)
	assert.Equal(t, 30.0, b.Consumed)
	assert.Equal(t, 1, gate.ActiveTasks("acme"))
}

func TestAdmitRejectsWithoutBudget(t *testing.T) {
	gate := testGate()

	_, err := gate.Admit("unknown", 1, false)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindBudgetExceeded))
}

func TestAdmitRejectsWhenEstimateExceedsRemaining(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 100))

	_, err := gate.Admit("acme", 80, false)
	require.NoError(t, err)

	_, err = gate.Admit("acme", 30, false)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindBudgetExceeded))
}

func TestAdmitOverrideBypassesBudgetNotQuota(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 10))
	gate.SetQuota(&types.Quota{TenantID: "acme", MaxActiveTasks: 1})

	_, err := gate.Admit("acme", 50, true)
	require.NoError(t, err)

	_, err = gate.Admit("acme", 1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max active tasks")
}

func TestAdmitOverrideWithoutBudgetRecord(t *testing.T) {
	gate := testGate()

	// No budget was ever installed for the tenant.
	res, err := gate.Admit("fresh", 5, true)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, gate.ActiveTasks("fresh"))

	gate.Reconcile(res, 5)
	assert.Equal(t, 0, gate.ActiveTasks("fresh"))
}

func TestMaxInstancesBoundsDistinctInstances(t *testing.T) {
	gate := testGate()
	gate.SetQuota(&types.Quota{TenantID: "acme", MaxInstances: 1})

	require.NoError(t, gate.OccupyInstance("acme", "i-1"))
	// More attempts on the same instance do not widen the spread.
	require.NoError(t, gate.OccupyInstance("acme", "i-1"))

	err := gate.OccupyInstance("acme", "i-2")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindFederationCapacity))

	gate.ReleaseInstance("acme", "i-1")
	err = gate.OccupyInstance("acme", "i-2")
	require.Error(t, err, "one attempt still holds i-1")

	gate.ReleaseInstance("acme", "i-1")
	require.NoError(t, gate.OccupyInstance("acme", "i-2"))
}

func TestQuotaLimitsActiveTasks(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 1000))
	gate.SetQuota(&types.Quota{TenantID: "acme", MaxActiveTasks: 2})

	first, err := gate.Admit("acme", 1, false)
	require.NoError(t, err)
	_, err = gate.Admit("acme", 1, false)
	require.NoError(t, err)

	_, err = gate.Admit("acme", 1, false)
	require.Error(t, err)

	gate.Reconcile(first, 1)
	_, err = gate.Admit("acme", 1, false)
	require.NoError(t, err)
}

func TestReconcileSettlesObservedCost(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 30, false)
	require.NoError(t, err)

	gate.Reconcile(res, 12)

	b, _ := gate.Budget("acme", types.BudgetScopeDaily)
	assert.Equal(t, 12.0, b.Consumed)
	assert.Equal(t, 0, gate.ActiveTasks("acme"))
}

func TestReconcileIsIdempotent(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 30, false)
	require.NoError(t, err)

	gate.Reconcile(res, 12)
	gate.Reconcile(res, 12)

	b, _ := gate.Budget("acme", types.BudgetScopeDaily)
	assert.Equal(t, 12.0, b.Consumed)
}

func TestOvershootEmitsEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	got := make(chan *events.Event, 1)
	bus.Subscribe(events.TypeFilter(events.EventBudgetOvershoot), func(e *events.Event) error {
		got <- e
		return nil
	})

	gate := NewGate(config.DefaultConfig().Budget, bus)
	gate.SetBudget(dailyBudget("acme", 1000))

	res, err := gate.Admit("acme", 10, false)
	require.NoError(t, err)

	// Observed cost exceeds the reservation beyond the 25% slack.
	gate.Reconcile(res, 20)

	select {
	case e := <-got:
		assert.Equal(t, "acme", e.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected budget.overshoot event")
	}
}

func TestAlertFiresOncePerThresholdPerWindow(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	got := make(chan *events.Event, 8)
	bus.Subscribe(events.TypeFilter(events.EventBudgetAlert), func(e *events.Event) error {
		got <- e
		return nil
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(config.DefaultConfig().Budget, bus, WithClock(func() time.Time { return now }))
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 80, false)
	require.NoError(t, err)
	gate.Reconcile(res, 80)

	// 80% crosses only the 75% threshold. Repeating activity at the same
	// level does not re-alert.
	res, err = gate.Admit("acme", 15, false)
	require.NoError(t, err)
	gate.Reconcile(res, 15)

	deadline := time.After(2 * time.Second)
	thresholds := map[string]int{}
	for len(thresholds) < 2 {
		select {
		case e := <-got:
			thresholds[e.Metadata["threshold"]]++
		case <-deadline:
			t.Fatalf("expected alerts for both thresholds, got %v", thresholds)
		}
	}
	assert.Equal(t, 1, thresholds["75"])
	assert.Equal(t, 1, thresholds["90"])
}

func TestDailyWindowResetsAtConfiguredHour(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := testGate(WithClock(func() time.Time { return now }))
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 90, false)
	require.NoError(t, err)
	gate.Reconcile(res, 90)

	_, err = gate.Admit("acme", 50, false)
	require.Error(t, err)

	// Cross midnight UTC: the window resets and admission succeeds again.
	now = now.Add(13 * time.Hour)
	_, err = gate.Admit("acme", 50, false)
	require.NoError(t, err)

	b, _ := gate.Budget("acme", types.BudgetScopeDaily)
	assert.Equal(t, 50.0, b.Consumed)
}

func TestResetIsIdempotentWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	gate := testGate(WithClock(func() time.Time { return now }))
	gate.SetBudget(dailyBudget("acme", 100))

	res, err := gate.Admit("acme", 40, false)
	require.NoError(t, err)
	gate.Reconcile(res, 40)

	gate.ResetDue()
	gate.ResetDue()

	b, _ := gate.Budget("acme", types.BudgetScopeDaily)
	assert.Equal(t, 40.0, b.Consumed)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	gate := testGate()
	gate.SetBudget(dailyBudget("acme", 100))
	res, err := gate.Admit("acme", 25, false)
	require.NoError(t, err)
	gate.Reconcile(res, 25)

	restored := testGate()
	restored.Restore(gate.Snapshot(), []*types.Quota{{TenantID: "acme", MaxActiveTasks: 3}})

	b, ok := restored.Budget("acme", types.BudgetScopeDaily)
	require.True(t, ok)
	assert.Equal(t, 25.0, b.Consumed)
}
