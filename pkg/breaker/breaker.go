package breaker

import (
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
)

// Config holds per-key thresholds
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetAfter       time.Duration
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetAfter:       30 * time.Second,
	}
}

// TransitionFunc observes breaker state changes, e.g. for audit
type TransitionFunc func(key string, from, to types.BreakerStatus)

// Breaker tracks circuit state per key. Every call is guarded by two keys:
// the (runtime kind, instance) key isolates a single worker, the kind key
// isolates the whole provider. The provider-wide key opens only when
// failures span at least two distinct instances of the kind.
type Breaker struct {
	cfg          Config
	mu           sync.Mutex
	keys         map[string]*keyState
	onTransition TransitionFunc
	now          func() time.Time
}

type keyState struct {
	state           types.BreakerStatus
	failureCount    int
	successCount    int
	lastFailureAt   time.Time
	openedAt        time.Time
	probing         bool
	providerWide    bool
	failedInstances map[string]struct{}
}

// Option configures the breaker
type Option func(*Breaker)

// WithTransitionFunc registers a state-change observer
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker with the given thresholds
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:  cfg,
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InstanceKey is the per-worker breaker key
func InstanceKey(kind types.RuntimeKind, instanceID string) string {
	return string(kind) + "/" + instanceID
}

// ProviderKey is the provider-wide breaker key
func ProviderKey(kind types.RuntimeKind) string {
	return string(kind)
}

func (b *Breaker) key(name string, providerWide bool) *keyState {
	ks, ok := b.keys[name]
	if !ok {
		ks = &keyState{
			state:           types.BreakerClosed,
			providerWide:    providerWide,
			failedInstances: make(map[string]struct{}),
		}
		b.keys[name] = ks
	}
	return ks
}

// Execute runs op guarded by both the instance and provider-wide keys.
// When either circuit denies the call it fails immediately with a
// circuit-open fault and op is never invoked.
func (b *Breaker) Execute(kind types.RuntimeKind, instanceID string, op func() error) error {
	instKey := InstanceKey(kind, instanceID)
	provKey := ProviderKey(kind)

	b.mu.Lock()
	inst := b.key(instKey, false)
	prov := b.key(provKey, true)

	instProbe, ok := b.admit(instKey, inst)
	if !ok {
		b.mu.Unlock()
		return faults.New(faults.KindCircuitOpen, "circuit open for %s", instKey)
	}
	provProbe, ok := b.admit(provKey, prov)
	if !ok {
		// Roll back the instance-key admission.
		if instProbe {
			inst.probing = false
		}
		b.mu.Unlock()
		return faults.New(faults.KindCircuitOpen, "circuit open for provider %s", provKey)
	}
	b.mu.Unlock()

	// The wrapped call runs outside the lock.
	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(instKey, inst, instProbe, instanceID, err)
	b.record(provKey, prov, provProbe, instanceID, err)
	return err
}

// admit decides whether a call may proceed under one key. Caller holds the
// lock. Returns (isProbe, admitted).
func (b *Breaker) admit(name string, ks *keyState) (bool, bool) {
	switch ks.state {
	case types.BreakerClosed:
		return false, true
	case types.BreakerOpen:
		if b.now().Sub(ks.openedAt) < b.cfg.ResetAfter {
			return false, false
		}
		b.transition(name, ks, types.BreakerHalfOpen)
		ks.probing = true
		return true, true
	case types.BreakerHalfOpen:
		if ks.probing {
			return false, false
		}
		ks.probing = true
		return true, true
	}
	return false, true
}

// record applies an outcome to one key. Caller holds the lock.
func (b *Breaker) record(name string, ks *keyState, probe bool, instanceID string, err error) {
	if probe {
		ks.probing = false
	}

	// Circuit-open results from the other key are admission failures, not
	// outcomes of the wrapped call.
	if err != nil && faults.Is(err, faults.KindCircuitOpen) {
		return
	}

	if err == nil {
		switch ks.state {
		case types.BreakerClosed:
			ks.failureCount = 0
			ks.failedInstances = make(map[string]struct{})
		case types.BreakerHalfOpen:
			ks.successCount++
			if ks.successCount >= b.cfg.SuccessThreshold {
				b.transition(name, ks, types.BreakerClosed)
			}
		}
		return
	}

	ks.lastFailureAt = b.now()
	switch ks.state {
	case types.BreakerClosed:
		ks.failureCount++
		ks.failedInstances[instanceID] = struct{}{}
		if ks.failureCount >= b.cfg.FailureThreshold {
			if ks.providerWide && len(ks.failedInstances) < 2 {
				// A single misbehaving worker must not open the whole
				// provider; its own key already isolates it.
				return
			}
			b.transition(name, ks, types.BreakerOpen)
		}
	case types.BreakerHalfOpen:
		b.transition(name, ks, types.BreakerOpen)
	}
}

// transition moves a key to a new state. Caller holds the lock.
func (b *Breaker) transition(name string, ks *keyState, to types.BreakerStatus) {
	from := ks.state
	if from == to {
		return
	}
	ks.state = to

	switch to {
	case types.BreakerOpen:
		ks.openedAt = b.now()
		ks.successCount = 0
		ks.probing = false
	case types.BreakerClosed:
		ks.failureCount = 0
		ks.successCount = 0
		ks.failedInstances = make(map[string]struct{})
	case types.BreakerHalfOpen:
		ks.successCount = 0
	}

	metrics.CircuitTransitions.WithLabelValues(string(to)).Inc()
	if b.onTransition != nil {
		b.onTransition(name, from, to)
	}
}

// Allows reports whether a dispatch to (kind, instance) could currently
// proceed. Used by the router for candidate filtering; it never mutates
// state and treats an elapsed Open circuit as eligible for probing.
func (b *Breaker) Allows(kind types.RuntimeKind, instanceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range []string{InstanceKey(kind, instanceID), ProviderKey(kind)} {
		ks, ok := b.keys[name]
		if !ok {
			continue
		}
		if ks.state == types.BreakerOpen && b.now().Sub(ks.openedAt) < b.cfg.ResetAfter {
			return false
		}
	}
	return true
}

// State returns the current status of one key
func (b *Breaker) State(name string) types.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[name]
	if !ok {
		return types.BreakerClosed
	}
	return ks.state
}

// LastFailureAt returns when the key last recorded a failure
func (b *Breaker) LastFailureAt(name string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[name]
	if !ok {
		return time.Time{}
	}
	return ks.lastFailureAt
}

// Snapshot exports all key states for persistence
func (b *Breaker) Snapshot() []*types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make([]*types.BreakerState, 0, len(b.keys))
	for name, ks := range b.keys {
		states = append(states, &types.BreakerState{
			Key:           name,
			State:         ks.state,
			FailureCount:  ks.failureCount,
			SuccessCount:  ks.successCount,
			LastFailureAt: ks.lastFailureAt,
			OpenedAt:      ks.openedAt,
			SchemaVersion: types.SchemaVersion,
		})
	}
	return states
}

// Restore seeds breaker state from persisted records
func (b *Breaker) Restore(states []*types.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, st := range states {
		providerWide := true
		for i := 0; i < len(st.Key); i++ {
			if st.Key[i] == '/' {
				providerWide = false
				break
			}
		}
		b.keys[st.Key] = &keyState{
			state:           st.State,
			failureCount:    st.FailureCount,
			successCount:    st.SuccessCount,
			lastFailureAt:   st.LastFailureAt,
			openedAt:        st.OpenedAt,
			providerWide:    providerWide,
			failedInstances: make(map[string]struct{}),
		}
	}
}
