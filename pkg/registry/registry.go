package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Auditor records instance state transitions write-ahead
type Auditor interface {
	Append(audit.Record) (*types.AuditEntry, error)
}

// Registry is the authoritative view of worker instances. Instances are
// kept in memory for routing and mirrored to the store for restarts. The
// capability index maps each capability to the set of instances offering it.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*types.Instance
	capIndex  map[string]map[string]struct{} // capability -> instance ids
	drainBy   map[string]time.Time           // draining instance -> deadline

	store         storage.Store
	bus           *events.Bus
	auditor       Auditor
	drainDeadline time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures the registry
type Option func(*Registry)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithAuditor records instance transitions in the audit log
func WithAuditor(a Auditor) Option {
	return func(r *Registry) { r.auditor = a }
}

// NewRegistry creates the instance registry and loads persisted instances
func NewRegistry(store storage.Store, bus *events.Bus, drainDeadline time.Duration, opts ...Option) (*Registry, error) {
	r := &Registry{
		instances:     make(map[string]*types.Instance),
		capIndex:      make(map[string]map[string]struct{}),
		drainBy:       make(map[string]time.Time),
		store:         store,
		bus:           bus,
		drainDeadline: drainDeadline,
		now:           time.Now,
		logger:        log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if store != nil {
		persisted, err := store.ListInstances()
		if err != nil {
			return nil, err
		}
		for _, inst := range persisted {
			r.instances[inst.ID] = inst
			r.indexLocked(inst)
		}
	}
	r.updateGaugesLocked()
	return r, nil
}

// Register adds an instance or refreshes an existing registration. A
// repeated registration with the same endpoint and runtime kinds is
// idempotent; a conflicting one is rejected.
func (r *Registry) Register(inst *types.Instance) error {
	if inst.ID == "" || inst.Endpoint == "" {
		return faults.New(faults.KindInvalidInput, "instance id and endpoint are required")
	}
	if len(inst.RuntimeKinds) == 0 {
		return faults.New(faults.KindInvalidInput, "instance %s declares no runtime kinds", inst.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instances[inst.ID]; ok {
		if existing.Endpoint != inst.Endpoint || !sameKinds(existing.RuntimeKinds, inst.RuntimeKinds) {
			return faults.New(faults.KindInvalidInput, "instance %s already registered with different endpoint or kinds", inst.ID)
		}
		// Refresh declared capabilities and ceilings, keep health history.
		r.unindexLocked(existing)
		existing.Capabilities = inst.Capabilities
		existing.Resources = inst.Resources
		existing.Region = inst.Region
		r.indexLocked(existing)
		return r.persistLocked(existing)
	}

	inst.Status = types.InstanceActive
	inst.RegisteredAt = r.now()
	inst.SchemaVersion = types.SchemaVersion
	if inst.Health == nil {
		inst.Health = &types.HealthState{Status: types.HealthUnknown}
	}

	r.appendAudit(inst, "", string(inst.Status), "registered")
	r.instances[inst.ID] = inst
	r.indexLocked(inst)
	if err := r.persistLocked(inst); err != nil {
		return err
	}

	r.updateGaugesLocked()
	r.publish(&events.Event{
		Type:       events.EventInstanceRegistered,
		InstanceID: inst.ID,
		Message:    "instance registered",
	})
	r.logger.Info().Str("instance_id", inst.ID).Str("endpoint", inst.Endpoint).Msg("Instance registered")
	return nil
}

// Deregister moves an instance to Draining. It stops receiving new work;
// running tasks get until the drain deadline before the instance is removed.
func (r *Registry) Deregister(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return faults.New(faults.KindInvalidInput, "instance %s not registered", instanceID)
	}
	if inst.Status == types.InstanceDraining {
		return nil
	}

	r.appendAudit(inst, string(inst.Status), string(types.InstanceDraining), "deregistered")
	inst.Status = types.InstanceDraining
	r.drainBy[instanceID] = r.now().Add(r.drainDeadline)
	if err := r.persistLocked(inst); err != nil {
		return err
	}

	r.updateGaugesLocked()
	r.publish(&events.Event{
		Type:       events.EventInstanceDraining,
		InstanceID: instanceID,
		Message:    "instance draining",
	})
	r.logger.Info().Str("instance_id", instanceID).Msg("Instance draining")
	return nil
}

// Remove deletes an instance from the registry entirely
func (r *Registry) Remove(instanceID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil
	}

	r.appendAudit(inst, string(inst.Status), "removed", reason)
	r.unindexLocked(inst)
	delete(r.instances, instanceID)
	delete(r.drainBy, instanceID)
	if r.store != nil {
		if err := r.store.DeleteInstance(instanceID); err != nil {
			return err
		}
	}

	r.updateGaugesLocked()
	r.publish(&events.Event{
		Type:       events.EventInstanceRemoved,
		InstanceID: instanceID,
		Message:    reason,
	})
	r.logger.Info().Str("instance_id", instanceID).Str("reason", reason).Msg("Instance removed")
	return nil
}

// Heartbeat ingests a load report from an instance
func (r *Registry) Heartbeat(instanceID string, load *types.LoadSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return faults.New(faults.KindInstanceLost, "instance %s not registered", instanceID)
	}

	load.LastUpdated = r.now()
	inst.Load = load
	r.updateGaugesLocked()
	return r.persistLocked(inst)
}

// SetHealth replaces an instance's health state. Used by the health monitor.
func (r *Registry) SetHealth(instanceID string, health *types.HealthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return faults.New(faults.KindInstanceLost, "instance %s not registered", instanceID)
	}
	inst.Health = health
	return r.persistLocked(inst)
}

// Get returns a copy of the instance
func (r *Registry) Get(instanceID string) (*types.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, false
	}
	return copyInstance(inst), true
}

// List returns copies of all instances sorted by id
func (r *Registry) List() []*types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*types.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, copyInstance(inst))
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// Active returns non-draining instances
func (r *Registry) Active() []*types.Instance {
	return lo.Filter(r.List(), func(inst *types.Instance, _ int) bool {
		return inst.Status == types.InstanceActive
	})
}

// WithCapability returns ids of instances offering the capability
func (r *Registry) WithCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.capIndex[capability])
	sort.Strings(ids)
	return ids
}

// DrainDeadline returns the removal deadline for a draining instance
func (r *Registry) DrainDeadline(instanceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deadline, ok := r.drainBy[instanceID]
	return deadline, ok
}

// ExpiredDrains returns draining instances whose deadline passed
func (r *Registry) ExpiredDrains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var expired []string
	for id, deadline := range r.drainBy {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// FederationUtilization is the mean CPU utilization across active instances
func (r *Registry) FederationUtilization() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.federationUtilLocked()
}

func (r *Registry) federationUtilLocked() float64 {
	var sum float64
	var n int
	for _, inst := range r.instances {
		if inst.Status != types.InstanceActive || inst.Load == nil {
			continue
		}
		sum += inst.Load.CPUUtil
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *Registry) updateGaugesLocked() {
	counts := map[types.InstanceStatus]int{}
	for _, inst := range r.instances {
		counts[inst.Status]++
	}
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceActive)).Set(float64(counts[types.InstanceActive]))
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceDraining)).Set(float64(counts[types.InstanceDraining]))
	metrics.FederationUtilization.Set(r.federationUtilLocked())
}

func (r *Registry) indexLocked(inst *types.Instance) {
	for _, capability := range inst.Capabilities {
		if r.capIndex[capability] == nil {
			r.capIndex[capability] = make(map[string]struct{})
		}
		r.capIndex[capability][inst.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(inst *types.Instance) {
	for _, capability := range inst.Capabilities {
		delete(r.capIndex[capability], inst.ID)
		if len(r.capIndex[capability]) == 0 {
			delete(r.capIndex, capability)
		}
	}
}

func (r *Registry) persistLocked(inst *types.Instance) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpdateInstance(inst)
}

func (r *Registry) publish(event *events.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

func (r *Registry) appendAudit(inst *types.Instance, from, to, reason string) {
	if r.auditor == nil {
		return
	}
	if _, err := r.auditor.Append(audit.Record{
		EntityKind: types.EntityInstance,
		EntityID:   inst.ID,
		FromState:  from,
		ToState:    to,
		Actor:      "registry",
		Reason:     reason,
		Snapshot:   inst,
	}); err != nil {
		r.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to audit instance transition")
	}
}

func sameKinds(a, b []types.RuntimeKind) bool {
	if len(a) != len(b) {
		return false
	}
	return lo.Every(a, b)
}

func copyInstance(inst *types.Instance) *types.Instance {
	copied := *inst
	if inst.Health != nil {
		health := *inst.Health
		copied.Health = &health
	}
	if inst.Load != nil {
		load := *inst.Load
		copied.Load = &load
	}
	if inst.Resources != nil {
		resources := *inst.Resources
		copied.Resources = &resources
	}
	copied.Capabilities = append([]string(nil), inst.Capabilities...)
	copied.RuntimeKinds = append([]types.RuntimeKind(nil), inst.RuntimeKinds...)
	return &copied
}
