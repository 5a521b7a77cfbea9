package fallback

import (
	"context"

	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/policy"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// AttemptFunc executes the task once on the given runtime kind. The
// caller owns instance selection and breaker bookkeeping.
type AttemptFunc func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error)

// Observer is notified after each failed rung before descent continues
type Observer func(kind types.RuntimeKind, err error)

// Ladder walks a task down its runtime-kind ladder. Transient failures
// descend to the next rung; permanent failures stop immediately.
type Ladder struct {
	policy policy.Policy
	bus    *events.Bus
	logger zerolog.Logger
}

// NewLadder creates the fallback ladder
func NewLadder(p policy.Policy, bus *events.Bus) *Ladder {
	return &Ladder{
		policy: p,
		bus:    bus,
		logger: log.WithComponent("fallback"),
	}
}

// Order resolves the kind ladder for a task: its pinned kinds in order if
// it declares any, the default ladder otherwise, both filtered by policy
func (l *Ladder) Order(task *types.Task) []types.RuntimeKind {
	order := task.RuntimeKinds
	if len(order) == 0 {
		order = types.DefaultFallbackOrder
	}

	allowed := l.policy.AllowedRuntimeKinds(task.TenantID, task)
	return lo.Filter(order, func(kind types.RuntimeKind, _ int) bool {
		return lo.Contains(allowed, kind)
	})
}

// Run tries each rung in order. The first successful attempt wins. A
// non-retryable error stops the descent; rungs the policy blocks are
// skipped, and exhausting every rung returns an all-providers-exhausted
// fault wrapping the last failure.
func (l *Ladder) Run(ctx context.Context, task *types.Task, attempt AttemptFunc, observe Observer) (*runtime.ExecResult, types.RuntimeKind, error) {
	order := l.Order(task)
	if len(order) == 0 {
		return nil, "", faults.New(faults.KindPolicyDenied, "no runtime kind permitted for tenant %s", task.TenantID)
	}

	var lastErr error
	for i, kind := range order {
		// Descent below the first rung is a policy decision, not just an
		// eligibility one. A blocked rung counts as exhausted, never
		// attempted.
		if i > 0 && !l.policy.MayFallbackTo(task, kind) {
			l.blocked(task, kind)
			continue
		}

		result, err := attempt(ctx, kind)
		if err == nil {
			return result, kind, nil
		}
		lastErr = err

		if observe != nil {
			observe(kind, err)
		}
		if !faults.Retryable(err) {
			return nil, kind, err
		}
		if ctx.Err() != nil {
			return nil, kind, faults.Wrap(faults.KindCancelled, ctx.Err(), "fallback interrupted")
		}

		l.logger.Debug().
			Str("task_id", task.ID).
			Str("runtime_kind", string(kind)).
			Err(err).
			Msg("Rung failed, descending")
	}

	if lastErr == nil {
		return nil, "", faults.New(faults.KindAllProvidersExhausted, "every permitted runtime kind was blocked for task %s", task.ID)
	}
	return nil, "", faults.Wrap(faults.KindAllProvidersExhausted, lastErr, "all runtime kinds failed for task %s", task.ID)
}

func (l *Ladder) blocked(task *types.Task, kind types.RuntimeKind) {
	l.logger.Info().
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("runtime_kind", string(kind)).
		Msg("Fallback descent blocked by policy")

	if l.bus != nil {
		l.bus.Publish(&events.Event{
			Type:     events.EventTaskFallbackBlocked,
			TenantID: task.TenantID,
			TaskID:   task.ID,
			Message:  "fallback to " + string(kind) + " blocked by policy",
			Metadata: map[string]string{"runtime_kind": string(kind)},
		})
	}
}
