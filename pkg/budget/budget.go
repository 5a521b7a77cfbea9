package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// Auditor records budget state transitions write-ahead
type Auditor interface {
	Append(audit.Record) (*types.AuditEntry, error)
}

// Gate enforces per-tenant cost ceilings and concurrency quotas before a
// task is admitted. Reservations are taken atomically under the gate lock
// and reconciled against observed cost after execution.
type Gate struct {
	mu       sync.Mutex
	cfg      config.BudgetConfig
	budgets  map[string]*types.TenantBudget // keyed tenant/scope
	quotas   map[string]*types.Quota
	active   map[string]int              // active task count per tenant
	occupied map[string]map[string]int   // tenant -> instance id -> in-flight attempts
	alerted  map[string]map[float64]bool // thresholds already alerted this window

	bus     *events.Bus
	auditor Auditor
	now     func() time.Time
	logger  zerolog.Logger
}

// Reservation is the handle returned by Admit, reconciled on completion
type Reservation struct {
	TenantID string
	Scope    types.BudgetScope
	Estimate float64
	released bool
}

// Option configures the gate
type Option func(*Gate)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithAuditor records budget transitions in the audit log
func WithAuditor(a Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// NewGate creates the budget and quota gate
func NewGate(cfg config.BudgetConfig, bus *events.Bus, opts ...Option) *Gate {
	g := &Gate{
		cfg:      cfg,
		budgets:  make(map[string]*types.TenantBudget),
		quotas:   make(map[string]*types.Quota),
		active:   make(map[string]int),
		occupied: make(map[string]map[string]int),
		alerted:  make(map[string]map[float64]bool),
		bus:      bus,
		now:      time.Now,
		logger:   log.WithComponent("budget"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func budgetKey(tenantID string, scope types.BudgetScope) string {
	return tenantID + "/" + string(scope)
}

// SetBudget installs or replaces a tenant budget
func (g *Gate) SetBudget(b *types.TenantBudget) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b.ResetAt.IsZero() {
		b.ResetAt = g.nextReset(b.Scope)
	}
	b.SchemaVersion = types.SchemaVersion
	g.appendAudit(b, "budget installed")
	g.budgets[budgetKey(b.TenantID, b.Scope)] = b
}

// SetQuota installs or replaces a tenant concurrency quota
func (g *Gate) SetQuota(q *types.Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q.SchemaVersion = types.SchemaVersion
	g.quotas[q.TenantID] = q
}

// Budget returns a copy of the tenant budget for the scope
func (g *Gate) Budget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[budgetKey(tenantID, scope)]
	if !ok {
		return nil, false
	}
	copied := *b
	return &copied, true
}

// ActiveTasks returns the tenant's current active task count
func (g *Gate) ActiveTasks(tenantID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[tenantID]
}

// Admit gates a task before it enters the scheduler. It rejects when the
// tenant has no budget, the estimate does not fit the remaining budget, or
// the tenant is at its concurrency quota. Override skips the budget checks
// but never the quota; callers verify the budget.override permission. On
// success the estimate is reserved and the tenant's active count
// incremented.
func (g *Gate) Admit(tenantID string, estimate float64, override bool) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := budgetKey(tenantID, types.BudgetScopeDaily)
	b, ok := g.budgets[key]
	if !ok && !override {
		return nil, faults.New(faults.KindBudgetExceeded, "tenant %s has no active budget", tenantID)
	}
	if b != nil {
		g.maybeResetLocked(b)
	}

	if !override {
		if b.Consumed >= b.Limit {
			return nil, faults.New(faults.KindBudgetExceeded, "tenant %s budget exhausted (%.2f of %.2f)", tenantID, b.Consumed, b.Limit)
		}
		if b.Consumed+estimate > b.Limit {
			return nil, faults.New(faults.KindBudgetExceeded, "tenant %s estimate %.2f exceeds remaining budget %.2f", tenantID, estimate, b.Limit-b.Consumed)
		}
	}

	if q, ok := g.quotas[tenantID]; ok && q.MaxActiveTasks > 0 {
		if g.active[tenantID] >= q.MaxActiveTasks {
			return nil, faults.New(faults.KindBudgetExceeded, "tenant %s at max active tasks (%d)", tenantID, q.MaxActiveTasks)
		}
	}

	scope := types.BudgetScopeDaily
	if b != nil {
		// Overridden spend still counts against the window.
		b.Consumed += estimate
		scope = b.Scope
		g.appendAudit(b, fmt.Sprintf("reserved %.2f", estimate))
		g.checkThresholdsLocked(b)
	}
	g.active[tenantID]++

	return &Reservation{TenantID: tenantID, Scope: scope, Estimate: estimate}, nil
}

// OccupyInstance reserves a slot on the instance for one attempt. A tenant
// with a MaxInstances quota may not spread in-flight attempts across more
// distinct instances than the quota allows.
func (g *Gate) OccupyInstance(tenantID, instanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	held := g.occupied[tenantID]
	if q, ok := g.quotas[tenantID]; ok && q.MaxInstances > 0 {
		if _, holding := held[instanceID]; !holding && len(held) >= q.MaxInstances {
			return faults.New(faults.KindFederationCapacity, "tenant %s at max instances (%d)", tenantID, q.MaxInstances)
		}
	}
	if held == nil {
		held = make(map[string]int)
		g.occupied[tenantID] = held
	}
	held[instanceID]++
	return nil
}

// ReleaseInstance returns the slot taken by OccupyInstance
func (g *Gate) ReleaseInstance(tenantID, instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held := g.occupied[tenantID]
	if held == nil {
		return
	}
	if held[instanceID] <= 1 {
		delete(held, instanceID)
		if len(held) == 0 {
			delete(g.occupied, tenantID)
		}
		return
	}
	held[instanceID]--
}

// Reconcile settles a reservation against the observed cost and releases
// the tenant's active slot. An observed cost above the reservation by more
// than the configured slack emits budget.overshoot without failing the task.
func (g *Gate) Reconcile(res *Reservation, observed float64) {
	if res == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if res.released {
		return
	}
	res.released = true

	if g.active[res.TenantID] > 0 {
		g.active[res.TenantID]--
	}

	b, ok := g.budgets[budgetKey(res.TenantID, res.Scope)]
	if !ok {
		return
	}

	b.Consumed += observed - res.Estimate
	if b.Consumed < 0 {
		b.Consumed = 0
	}
	g.appendAudit(b, fmt.Sprintf("reconciled observed %.2f against reservation %.2f", observed, res.Estimate))

	if res.Estimate > 0 && observed > res.Estimate*(1+g.cfg.ReservationSlack) {
		g.publish(&events.Event{
			Type:     events.EventBudgetOvershoot,
			TenantID: res.TenantID,
			Message:  fmt.Sprintf("observed cost %.2f exceeded reservation %.2f", observed, res.Estimate),
		})
	}

	g.checkThresholdsLocked(b)
}

// Release drops a reservation whose task never ran (admission rolled back)
func (g *Gate) Release(res *Reservation) {
	g.Reconcile(res, 0)
}

// checkThresholdsLocked emits budget.alert once per threshold per window
func (g *Gate) checkThresholdsLocked(b *types.TenantBudget) {
	if b.Limit <= 0 {
		return
	}
	key := budgetKey(b.TenantID, b.Scope)
	ratio := b.Consumed / b.Limit

	for _, threshold := range g.cfg.AlertThresholds {
		if ratio < threshold {
			continue
		}
		if g.alerted[key] == nil {
			g.alerted[key] = make(map[float64]bool)
		}
		if g.alerted[key][threshold] {
			continue
		}
		g.alerted[key][threshold] = true

		level := fmt.Sprintf("%d", int(threshold*100))
		metrics.BudgetAlerts.WithLabelValues(level).Inc()
		g.publish(&events.Event{
			Type:     events.EventBudgetAlert,
			TenantID: b.TenantID,
			Message:  fmt.Sprintf("budget at %.0f%% of limit (threshold %s%%)", ratio*100, level),
			Metadata: map[string]string{"threshold": level},
		})
	}
}

// maybeResetLocked applies a pending window reset. Resets are idempotent:
// re-running within the same window is a no-op.
func (g *Gate) maybeResetLocked(b *types.TenantBudget) {
	if b.Scope == types.BudgetScopeTaskLocal || b.ResetAt.IsZero() {
		return
	}
	if g.now().Before(b.ResetAt) {
		return
	}

	b.Consumed = 0
	b.ResetAt = g.nextReset(b.Scope)
	delete(g.alerted, budgetKey(b.TenantID, b.Scope))
	g.appendAudit(b, "window reset")
	g.logger.Info().Str("tenant_id", b.TenantID).Str("scope", string(b.Scope)).Msg("Budget window reset")
}

// ResetDue applies pending resets for all budgets. Called periodically.
func (g *Gate) ResetDue() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.budgets {
		g.maybeResetLocked(b)
	}
}

// nextReset computes the next window boundary at the configured UTC hour
func (g *Gate) nextReset(scope types.BudgetScope) time.Time {
	now := g.now().UTC()
	switch scope {
	case types.BudgetScopeMonthly:
		next := time.Date(now.Year(), now.Month(), 1, g.cfg.ResetHourUTC, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return next
	default:
		next := time.Date(now.Year(), now.Month(), now.Day(), g.cfg.ResetHourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Snapshot exports all budgets for persistence
func (g *Gate) Snapshot() []*types.TenantBudget {
	g.mu.Lock()
	defer g.mu.Unlock()

	budgets := make([]*types.TenantBudget, 0, len(g.budgets))
	for _, b := range g.budgets {
		copied := *b
		budgets = append(budgets, &copied)
	}
	return budgets
}

// Restore seeds budgets from persisted records
func (g *Gate) Restore(budgets []*types.TenantBudget, quotas []*types.Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range budgets {
		copied := *b
		g.budgets[budgetKey(b.TenantID, b.Scope)] = &copied
	}
	for _, q := range quotas {
		copied := *q
		g.quotas[q.TenantID] = &copied
	}
}

func (g *Gate) publish(event *events.Event) {
	if g.bus != nil {
		g.bus.Publish(event)
	}
}

func (g *Gate) appendAudit(b *types.TenantBudget, reason string) {
	if g.auditor == nil {
		return
	}
	if _, err := g.auditor.Append(audit.Record{
		EntityKind: types.EntityBudget,
		EntityID:   budgetKey(b.TenantID, b.Scope),
		ToState:    "active",
		Actor:      "budget",
		Reason:     reason,
		Snapshot:   b,
	}); err != nil {
		g.logger.Error().Err(err).Str("tenant_id", b.TenantID).Msg("Failed to audit budget transition")
	}
}
