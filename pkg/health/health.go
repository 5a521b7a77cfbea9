package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/registry"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// ProbeResult is what a successful probe observed
type ProbeResult struct {
	Latency time.Duration
	Load    *types.LoadSnapshot
}

// Prober checks a single instance. Implementations probe over the
// instance's endpoint; tests substitute fakes.
type Prober interface {
	Probe(ctx context.Context, inst *types.Instance) (*ProbeResult, error)
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context, inst *types.Instance) (*ProbeResult, error)

func (f ProberFunc) Probe(ctx context.Context, inst *types.Instance) (*ProbeResult, error) {
	return f(ctx, inst)
}

// Auditor records health transitions write-ahead
type Auditor interface {
	Append(audit.Record) (*types.AuditEntry, error)
}

// Monitor drives periodic probes against every registered instance and
// applies the health state machine. Unhealthy instances that stay
// unhealthy past the removal window are dropped from the registry.
type Monitor struct {
	cfg      config.HealthConfig
	registry *registry.Registry
	prober   Prober
	bus      *events.Bus
	auditor  Auditor
	now      func() time.Time
	logger   zerolog.Logger

	probeNow chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures the monitor
type Option func(*Monitor)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAuditor records health transitions in the audit log
func WithAuditor(a Auditor) Option {
	return func(m *Monitor) { m.auditor = a }
}

// NewMonitor creates the health monitor
func NewMonitor(cfg config.HealthConfig, reg *registry.Registry, prober Prober, bus *events.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		registry: reg,
		prober:   prober,
		bus:      bus,
		now:      time.Now,
		logger:   log.WithComponent("health"),
		probeNow: make(chan string, 64),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probe loop
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SweepDrains()
				m.ProbeAll(ctx)
			case id := <-m.probeNow:
				if inst, ok := m.registry.Get(id); ok {
					m.probeOne(ctx, inst)
				}
			}
		}
	}()
}

// Stop halts the probe loop and waits for in-flight probes
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// FlagForProbe requests an out-of-band probe of the instance, used after
// an operation against it behaved suspiciously
func (m *Monitor) FlagForProbe(instanceID string) {
	select {
	case m.probeNow <- instanceID:
	default:
	}
}

// ProbeAll probes every instance using a bounded worker pool
func (m *Monitor) ProbeAll(ctx context.Context) {
	instances := m.registry.List()
	if len(instances) == 0 {
		return
	}

	workers := m.cfg.MaxProbeWorkers
	if len(instances) < workers {
		workers = len(instances)
	}

	queue := make(chan *types.Instance)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range queue {
				m.probeOne(ctx, inst)
			}
		}()
	}
	for _, inst := range instances {
		queue <- inst
	}
	close(queue)
	wg.Wait()
}

// SweepDrains removes draining instances whose drain deadline passed.
// Runs on every probe tick.
func (m *Monitor) SweepDrains() {
	for _, id := range m.registry.ExpiredDrains() {
		if err := m.registry.Remove(id, "drain deadline passed"); err != nil {
			m.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to remove drained instance")
		}
	}
}

func (m *Monitor) probeOne(ctx context.Context, inst *types.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	result, err := m.prober.Probe(probeCtx, inst)
	m.Evaluate(inst, result, err)
}

// Evaluate applies one probe outcome to the instance's health state
func (m *Monitor) Evaluate(inst *types.Instance, result *ProbeResult, probeErr error) {
	prev := inst.Health
	if prev == nil {
		prev = &types.HealthState{Status: types.HealthUnknown}
	}

	next := *prev
	next.LastProbeAt = m.now()

	if probeErr != nil {
		next.ConsecutiveFailures++
		next.ConsecutiveSuccesses = 0
		next.LastError = probeErr.Error()

		if next.ConsecutiveFailures >= m.cfg.UnhealthyConsecutiveFailures {
			if next.Status != types.HealthUnhealthy {
				next.UnhealthySince = m.now()
			}
			next.Status = types.HealthUnhealthy
		} else if next.Status == types.HealthHealthy {
			next.Status = types.HealthDegraded
		}
	} else {
		next.ConsecutiveFailures = 0
		next.ConsecutiveSuccesses++
		next.LastError = ""

		degraded := result.Latency > m.cfg.DegradedLatency
		if result.Load != nil && result.Load.CPUUtil > m.cfg.DegradedUtil {
			degraded = true
		}

		switch {
		case degraded:
			next.Status = types.HealthDegraded
			next.UnhealthySince = time.Time{}
		case next.ConsecutiveSuccesses >= m.cfg.HealthyConsecutiveSuccesses || prev.Status == types.HealthHealthy:
			next.Status = types.HealthHealthy
			next.UnhealthySince = time.Time{}
		}

		if result.Load != nil {
			_ = m.registry.Heartbeat(inst.ID, result.Load)
		}
	}

	// Audit the transition before the new state becomes visible.
	if next.Status != prev.Status {
		m.transition(inst, prev.Status, next.Status)
	}

	if err := m.registry.SetHealth(inst.ID, &next); err != nil {
		return
	}

	if next.Status == types.HealthUnhealthy && !next.UnhealthySince.IsZero() &&
		m.now().Sub(next.UnhealthySince) >= m.cfg.RemoveAfter {
		_ = m.registry.Remove(inst.ID, "unhealthy past removal window")
	}
}

func (m *Monitor) transition(inst *types.Instance, from, to types.HealthStatus) {
	m.logger.Info().
		Str("instance_id", inst.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Instance health changed")

	if m.auditor != nil {
		if _, err := m.auditor.Append(audit.Record{
			EntityKind: types.EntityInstance,
			EntityID:   inst.ID,
			FromState:  string(from),
			ToState:    string(to),
			Actor:      "health",
			Reason:     "probe outcome",
		}); err != nil {
			m.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to audit health transition")
		}
	}

	if m.bus != nil {
		m.bus.Publish(&events.Event{
			Type:       events.EventInstanceHealth,
			InstanceID: inst.ID,
			Audit:      true,
			Message:    fmt.Sprintf("health %s -> %s", from, to),
			Metadata:   map[string]string{"from": string(from), "to": string(to)},
		})
	}
}
