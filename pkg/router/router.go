package router

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/breaker"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/registry"
	"github.com/cuemby/drover/pkg/types"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Decision is the result of a successful routing pass
type Decision struct {
	Instance     *types.Instance
	Score        float64
	Alternatives []string // Other candidates considered, best first
}

// Router selects one instance for a task, or refuses. The algorithm is
// deterministic given the registry view, breaker states and penalty cache.
type Router struct {
	cfg      config.RouterConfig
	registry *registry.Registry
	breaker  *breaker.Breaker
	bus      *events.Bus

	// Recent failure penalties and session affinity, both TTL-bounded.
	penalties *cache.Cache
	affinity  *cache.Cache

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures the router
type Option func(*Router)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates the task router
func NewRouter(cfg config.RouterConfig, reg *registry.Registry, brk *breaker.Breaker, bus *events.Bus, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		registry:  reg,
		breaker:   brk,
		bus:       bus,
		penalties: cache.New(cfg.PenaltyTTL, cfg.PenaltyTTL),
		affinity:  cache.New(24*time.Hour, time.Hour),
		now:       time.Now,
		logger:    log.WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks an instance offering the given runtime kind for the task.
// Refusals carry a fault kind: FederationCapacity when the fleet is
// saturated, NoEligibleInstance when the filter leaves nothing.
func (r *Router) Route(task *types.Task, kind types.RuntimeKind) (*Decision, error) {
	instances := r.registry.List()

	if util := sessionUtilization(instances); util >= r.cfg.RejectThreshold {
		return nil, faults.New(faults.KindFederationCapacity, "federation at %.0f%% of session capacity", util*100)
	}

	candidates := r.filter(task, kind, instances)
	if len(candidates) == 0 {
		return nil, faults.New(faults.KindNoEligibleInstance, "no eligible instance for task %s on %s", task.ID, kind)
	}

	// Affinity: reuse the session's previous instance when it is still
	// a candidate.
	if task.SessionID != "" {
		if prev, ok := r.affinity.Get(task.SessionID); ok {
			if inst, found := lo.Find(candidates, func(c *types.Instance) bool { return c.ID == prev.(string) }); found {
				decision := &Decision{Instance: inst, Score: r.score(task, inst, kind)}
				r.routed(task, decision)
				return decision, nil
			}
		}
	}

	type scored struct {
		inst  *types.Instance
		score float64
	}
	ranked := lo.Map(candidates, func(inst *types.Instance, _ int) scored {
		return scored{inst: inst, score: r.score(task, inst, kind)}
	})
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].inst.ID < ranked[j].inst.ID
	})

	decision := &Decision{
		Instance: ranked[0].inst,
		Score:    ranked[0].score,
		Alternatives: lo.Map(ranked[1:], func(s scored, _ int) string {
			return s.inst.ID
		}),
	}
	r.routed(task, decision)
	return decision, nil
}

// RecordDispatch pins the session to the instance for affinity
func (r *Router) RecordDispatch(sessionID, instanceID string) {
	if sessionID == "" {
		return
	}
	r.affinity.SetDefault(sessionID, instanceID)
}

// RecordFailure notes a failed attempt so the instance scores lower until
// the penalty decays
func (r *Router) RecordFailure(instanceID string, kind types.RuntimeKind) {
	r.penalties.SetDefault(penaltyKey(instanceID, kind), r.now())
}

// filter applies the candidate rules in order. Degraded instances are
// considered only when no healthy candidate survives the same rules.
func (r *Router) filter(task *types.Task, kind types.RuntimeKind, instances []*types.Instance) []*types.Instance {
	eligible := lo.Filter(instances, func(inst *types.Instance, _ int) bool {
		return r.eligible(task, kind, inst)
	})

	healthy := lo.Filter(eligible, func(inst *types.Instance, _ int) bool {
		return inst.Health != nil && inst.Health.Status == types.HealthHealthy
	})
	if len(healthy) > 0 {
		eligible = healthy
	}

	// Region is a soft constraint: narrow only when someone matches.
	if task.Region != "" {
		regional := lo.Filter(eligible, func(inst *types.Instance, _ int) bool {
			return inst.Region == task.Region
		})
		if len(regional) > 0 {
			eligible = regional
		}
	}
	return eligible
}

func (r *Router) eligible(task *types.Task, kind types.RuntimeKind, inst *types.Instance) bool {
	if inst.Status != types.InstanceActive {
		return false
	}
	if inst.Health == nil ||
		(inst.Health.Status != types.HealthHealthy && inst.Health.Status != types.HealthDegraded) {
		return false
	}
	if !lo.Contains(inst.RuntimeKinds, kind) {
		return false
	}
	if !lo.Every(inst.Capabilities, task.Capabilities) {
		return false
	}
	if inst.Resources != nil && inst.Resources.MaxConcurrentSessions > 0 && inst.Load != nil &&
		inst.Load.ActiveSessions >= inst.Resources.MaxConcurrentSessions {
		return false
	}
	if r.breaker != nil && !r.breaker.Allows(kind, inst.ID) {
		return false
	}
	return true
}

func (r *Router) score(task *types.Task, inst *types.Instance, kind types.RuntimeKind) float64 {
	var util, queueNorm float64
	if inst.Load != nil {
		util = inst.Load.CPUUtil
		maxQueued := 100
		if inst.Resources != nil && inst.Resources.MaxQueuedTasks > 0 {
			maxQueued = inst.Resources.MaxQueuedTasks
		}
		queueNorm = math.Min(1, float64(inst.Load.QueuedTasks)/float64(maxQueued))
	}

	var regionMatch float64
	if task.Region != "" && inst.Region == task.Region {
		regionMatch = 1
	}

	excess := len(inst.Capabilities) - len(task.Capabilities)
	capExcess := math.Min(1, float64(excess)/10)

	return r.cfg.WeightUtil*(1-util) +
		r.cfg.WeightQueue*(1-queueNorm) +
		r.cfg.WeightRegion*regionMatch +
		r.cfg.WeightCapExcess*capExcess -
		r.cfg.WeightFailPenalty*r.penalty(inst.ID, kind)
}

// penalty decays exponentially with time since the last recorded failure
func (r *Router) penalty(instanceID string, kind types.RuntimeKind) float64 {
	v, ok := r.penalties.Get(penaltyKey(instanceID, kind))
	if !ok {
		return 0
	}
	elapsed := r.now().Sub(v.(time.Time))
	if elapsed < 0 {
		elapsed = 0
	}
	halfLife := r.cfg.PenaltyHalfLife
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	return math.Exp2(-elapsed.Seconds() / halfLife.Seconds())
}

func (r *Router) routed(task *types.Task, decision *Decision) {
	r.logger.Debug().
		Str("task_id", task.ID).
		Str("instance_id", decision.Instance.ID).
		Float64("score", decision.Score).
		Msg("Task routed")

	if r.bus != nil {
		r.bus.Publish(&events.Event{
			Type:       events.EventTaskRouted,
			TenantID:   task.TenantID,
			TaskID:     task.ID,
			InstanceID: decision.Instance.ID,
			Message:    "task routed",
			Metadata: map[string]string{
				"alternatives": strings.Join(decision.Alternatives, ","),
			},
		})
	}
}

// sessionUtilization is sum(activeSessions)/sum(maxConcurrentSessions)
// over serviceable instances
func sessionUtilization(instances []*types.Instance) float64 {
	var active, capacity int
	for _, inst := range instances {
		if inst.Health == nil ||
			(inst.Health.Status != types.HealthHealthy && inst.Health.Status != types.HealthDegraded) {
			continue
		}
		if inst.Resources == nil || inst.Resources.MaxConcurrentSessions <= 0 {
			continue
		}
		capacity += inst.Resources.MaxConcurrentSessions
		if inst.Load != nil {
			active += inst.Load.ActiveSessions
		}
	}
	if capacity == 0 {
		return 0
	}
	return float64(active) / float64(capacity)
}

func penaltyKey(instanceID string, kind types.RuntimeKind) string {
	return instanceID + "/" + string(kind)
}
