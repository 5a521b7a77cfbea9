package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/breaker"
	"github.com/cuemby/drover/pkg/budget"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/fallback"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/policy"
	"github.com/cuemby/drover/pkg/retry"
	"github.com/cuemby/drover/pkg/router"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Prober requests an out-of-band health probe of an instance
type Prober interface {
	FlagForProbe(instanceID string)
}

// Validator checks a submission before admission
type Validator interface {
	ValidateTask(task *types.Task) error
}

// Deps collects the engine's collaborators
type Deps struct {
	Store      storage.Store
	Router     *router.Router
	Ladder     *fallback.Ladder
	Breaker    *breaker.Breaker
	Gate       *budget.Gate
	Audit      *audit.Log
	Bus        *events.Bus
	Dispatcher Dispatcher
	Prober     Prober
	Validator  Validator
	Policy     policy.Policy
}

// Engine owns Task and Attempt records and drives every task through the
// canonical state machine. One worker per priority class drains the
// per-tenant FIFO queues in priority order.
type Engine struct {
	cfg        config.Config
	store      storage.Store
	router     *router.Router
	ladder     *fallback.Ladder
	breaker    *breaker.Breaker
	gate       *budget.Gate
	auditLog   *audit.Log
	bus        *events.Bus
	dispatcher Dispatcher
	prober     Prober
	validator  Validator
	policy     policy.Policy
	now        func() time.Time
	logger     zerolog.Logger

	mu           sync.Mutex
	queues       map[types.Priority]*tenantQueues
	reservations map[string]*budget.Reservation
	running      map[string]*runningTask
	closed       bool

	signals map[types.Priority]chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// runningTask tracks an in-flight task so cancellation and instance loss
// can interrupt it
type runningTask struct {
	taskID    string
	cancel    context.CancelFunc
	cancelReq atomic.Bool
	lost      atomic.Bool
	done      chan struct{}

	mu             sync.Mutex
	instanceID     string
	dispatchCancel context.CancelFunc
}

func (rt *runningTask) setDispatch(instanceID string, cancel context.CancelFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.instanceID = instanceID
	rt.dispatchCancel = cancel
}

func (rt *runningTask) instance() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.instanceID
}

// markLost interrupts the in-flight dispatch without cancelling the task
func (rt *runningTask) markLost() {
	rt.lost.Store(true)
	rt.mu.Lock()
	cancel := rt.dispatchCancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Option configures the engine
type Option func(*Engine)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the task lifecycle engine
func NewEngine(cfg config.Config, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		store:        deps.Store,
		router:       deps.Router,
		ladder:       deps.Ladder,
		breaker:      deps.Breaker,
		gate:         deps.Gate,
		auditLog:     deps.Audit,
		bus:          deps.Bus,
		dispatcher:   deps.Dispatcher,
		prober:       deps.Prober,
		validator:    deps.Validator,
		policy:       deps.Policy,
		now:          time.Now,
		logger:       log.WithComponent("lifecycle"),
		queues:       make(map[types.Priority]*tenantQueues),
		reservations: make(map[string]*budget.Reservation),
		running:      make(map[string]*runningTask),
		signals:      make(map[types.Priority]chan struct{}),
		stopCh:       make(chan struct{}),
	}
	for _, priority := range types.PriorityClasses {
		e.queues[priority] = newTenantQueues(priority)
		e.signals[priority] = make(chan struct{}, 1024)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches one worker per priority class and the instance-loss
// watcher
func (e *Engine) Start() error {
	for _, priority := range types.PriorityClasses {
		e.wg.Add(1)
		go e.worker(priority)
	}

	if e.bus != nil {
		e.bus.Subscribe(events.TypeFilter(events.EventInstanceRemoved), func(event *events.Event) error {
			e.instanceLost(event.InstanceID)
			return nil
		})
	}
	return nil
}

// Submit validates, admits and enqueues a task. The returned error is
// client-visible; the task is only persisted once admitted.
func (e *Engine) Submit(ctx context.Context, task *types.Task) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return faults.New(faults.KindFederationCapacity, "control plane is draining")
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	if task.RetryPolicy == nil {
		task.RetryPolicy = types.DefaultRetryPolicy()
	}

	metrics.TasksSubmitted.Inc()
	e.publish(&events.Event{Type: events.EventTaskSubmitted, TenantID: task.TenantID, TaskID: task.ID, Message: "task submitted"})

	if err := e.validate(task); err != nil {
		e.reject(task, "invalid", err)
		return err
	}

	if task.BudgetOverride && (e.policy == nil || !e.policy.MayOverrideBudget(task.TenantID)) {
		err := faults.New(faults.KindPolicyDenied, "tenant %s lacks the budget.override permission", task.TenantID)
		e.reject(task, "policy", err)
		return err
	}

	estimate := task.BudgetCeiling
	if estimate <= 0 {
		estimate = 1
	}
	reservation, err := e.gate.Admit(task.TenantID, estimate, task.BudgetOverride)
	if err != nil {
		e.reject(task, "budget", err)
		return err
	}

	task.State = types.TaskQueued
	task.SubmittedAt = e.now()
	task.SchemaVersion = types.SchemaVersion
	e.appendAudit(task, "", string(types.TaskQueued), "submitted")
	if err := e.store.CreateTask(task); err != nil {
		e.gate.Release(reservation)
		return err
	}

	e.transition(task, types.TaskAdmitted, "admitted")
	task.AdmittedAt = e.now()
	_ = e.store.UpdateTask(task)
	metrics.TasksAdmitted.Inc()
	e.publish(&events.Event{Type: events.EventTaskAdmitted, TenantID: task.TenantID, TaskID: task.ID, Message: "task admitted"})

	e.mu.Lock()
	e.reservations[task.ID] = reservation
	e.queues[task.Priority].push(task)
	e.mu.Unlock()
	e.signal(task.Priority)
	return nil
}

func (e *Engine) validate(task *types.Task) error {
	if task.TenantID == "" {
		return faults.New(faults.KindInvalidInput, "tenant id is required")
	}
	if len(task.Payload) == 0 {
		return faults.New(faults.KindInvalidInput, "payload is required")
	}
	if !task.Deadline.IsZero() && task.Deadline.Before(e.now()) {
		return faults.New(faults.KindInvalidInput, "deadline is in the past")
	}
	if e.validator != nil {
		return e.validator.ValidateTask(task)
	}
	return nil
}

func (e *Engine) reject(task *types.Task, reason string, err error) {
	metrics.TasksRejected.WithLabelValues(reason).Inc()
	e.publish(&events.Event{
		Type:     events.EventTaskRejected,
		TenantID: task.TenantID,
		TaskID:   task.ID,
		Message:  err.Error(),
		Metadata: map[string]string{"reason": reason},
	})
}

// Cancel requests cooperative cancellation. Queued tasks cancel
// immediately with no attempt; running tasks get the cancel grace before
// their instance is flagged for a probe. Terminal tasks are a no-op.
func (e *Engine) Cancel(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return nil
	}

	e.mu.Lock()
	rt, isRunning := e.running[taskID]
	e.mu.Unlock()

	if !isRunning {
		// Still queued. Finalize now; the worker skips terminal tasks
		// when it pops them.
		e.finalize(task, types.TaskCancelled, "", "cancelled before dispatch")
		return nil
	}

	rt.cancelReq.Store(true)
	rt.cancel()

	select {
	case <-rt.done:
	case <-time.After(e.cfg.Drain.CancelGrace):
		// The provider did not confirm in time. Flag the instance so the
		// health monitor probes it immediately.
		if e.prober != nil {
			if instanceID := rt.instance(); instanceID != "" {
				e.prober.FlagForProbe(instanceID)
			}
		}
	}
	return nil
}

// GetTask returns the stored task
func (e *Engine) GetTask(taskID string) (*types.Task, error) {
	return e.store.GetTask(taskID)
}

func (e *Engine) worker(priority types.Priority) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.signals[priority]:
			for {
				e.mu.Lock()
				task := e.queues[priority].pop()
				e.mu.Unlock()
				if task == nil {
					break
				}
				e.process(task)
			}
		}
	}
}

func (e *Engine) signal(priority types.Priority) {
	select {
	case e.signals[priority] <- struct{}{}:
	default:
	}
}

// process drives one task from Admitted to a terminal state
func (e *Engine) process(task *types.Task) {
	// A cancel or shutdown may have finalized it while queued.
	if stored, err := e.store.GetTask(task.ID); err == nil && stored.State.Terminal() {
		return
	}

	if !task.Deadline.IsZero() && !e.now().Before(task.Deadline) {
		e.finalize(task, types.TaskTimedOut, string(faults.KindDeadlineExceeded), "deadline passed before dispatch")
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if task.Deadline.IsZero() {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithDeadline(ctx, task.Deadline)
	}
	defer cancel()

	rt := &runningTask{taskID: task.ID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[task.ID] = rt
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
		close(rt.done)
	}()

	_, kind, err := e.ladder.Run(ctx, task, e.attemptOn(task, rt), func(failedKind types.RuntimeKind, attemptErr error) {
		e.logger.Debug().Str("task_id", task.ID).Str("runtime_kind", string(failedKind)).Err(attemptErr).Msg("Attempt chain failed")
	})

	switch {
	case err == nil:
		e.finalize(task, types.TaskSucceeded, "", "completed on "+string(kind))
	case rt.cancelReq.Load() || faults.Is(err, faults.KindCancelled):
		e.finalize(task, types.TaskCancelled, string(faults.KindCancelled), "cancelled")
	case faults.Is(err, faults.KindDeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		e.finalize(task, types.TaskTimedOut, string(faults.KindDeadlineExceeded), "deadline exceeded")
	default:
		e.finalize(task, types.TaskFailed, string(faults.KindOf(err)), err.Error())
	}
}

// attemptOn returns the per-rung attempt function: route, dispatch and
// record, retried under the task's retry policy before the ladder
// descends
func (e *Engine) attemptOn(task *types.Task, rt *runningTask) fallback.AttemptFunc {
	return func(ctx context.Context, kind types.RuntimeKind) (*runtime.ExecResult, error) {
		var result *runtime.ExecResult
		err := retry.Do(ctx, task.RetryPolicy, func(attempt int) error {
			r, dispatchErr := e.dispatchOnce(ctx, task, kind, rt)
			if dispatchErr != nil {
				return dispatchErr
			}
			result = r
			return nil
		})
		return result, err
	}
}

func (e *Engine) dispatchOnce(ctx context.Context, task *types.Task, kind types.RuntimeKind, rt *runningTask) (*runtime.ExecResult, error) {
	if rt.cancelReq.Load() {
		return nil, faults.New(faults.KindCancelled, "cancel requested")
	}

	decision, err := e.router.Route(task, kind)
	if err != nil {
		return nil, err
	}
	inst := decision.Instance

	if err := e.gate.OccupyInstance(task.TenantID, inst.ID); err != nil {
		return nil, err
	}
	defer e.gate.ReleaseInstance(task.TenantID, inst.ID)

	task.InstanceID = inst.ID
	if task.DispatchedAt.IsZero() {
		task.DispatchedAt = e.now()
		metrics.AdmissionToDispatchSeconds.Observe(task.DispatchedAt.Sub(task.AdmittedAt).Seconds())
	}
	e.transition(task, types.TaskDispatched, "dispatched to "+inst.ID)
	_ = e.store.UpdateTask(task)

	attempt := &types.Attempt{
		TaskID:        task.ID,
		Index:         len(task.Attempts) + 1,
		InstanceID:    inst.ID,
		RuntimeKind:   kind,
		StartedAt:     e.now(),
		SchemaVersion: types.SchemaVersion,
	}

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	defer dispatchCancel()
	rt.setDispatch(inst.ID, dispatchCancel)

	e.transition(task, types.TaskRunning, "running on "+inst.ID)
	_ = e.store.UpdateTask(task)
	metrics.DispatchToStartSeconds.Observe(e.now().Sub(attempt.StartedAt).Seconds())
	e.publish(&events.Event{Type: events.EventTaskStarted, TenantID: task.TenantID, TaskID: task.ID, InstanceID: inst.ID, Message: "attempt started"})

	var result *runtime.ExecResult
	execErr := e.breaker.Execute(kind, inst.ID, func() error {
		r, dispatchErr := e.dispatcher.Dispatch(dispatchCtx, inst, task, kind)
		if dispatchErr != nil {
			return dispatchErr
		}
		if r.ExitCode != 0 {
			result = r
			return faults.New(faults.KindPermanentProvider, "payload exited with code %d", r.ExitCode)
		}
		result = r
		return nil
	})

	// An interrupted dispatch on a removed instance is instance loss,
	// not cancellation.
	if execErr != nil && rt.lost.Swap(false) {
		execErr = faults.Wrap(faults.KindInstanceLost, execErr, "instance %s removed mid-attempt", inst.ID)
	}

	attempt.EndedAt = e.now()
	if result != nil {
		attempt.ObservedCost = result.Cost
	}
	metrics.AttemptDurationSeconds.WithLabelValues(string(kind)).Observe(attempt.EndedAt.Sub(attempt.StartedAt).Seconds())

	if execErr != nil {
		attempt.Outcome = types.AttemptFailed
		if faults.Is(execErr, faults.KindCancelled) {
			attempt.Outcome = types.AttemptCancelled
		}
		attempt.ErrorKind = string(faults.KindOf(execErr))
		attempt.Error = execErr.Error()
		e.recordAttempt(task, attempt)

		metrics.AttemptsTotal.WithLabelValues(string(kind), "failed").Inc()
		e.publish(&events.Event{
			Type:       events.EventTaskAttemptFailed,
			TenantID:   task.TenantID,
			TaskID:     task.ID,
			InstanceID: inst.ID,
			Message:    execErr.Error(),
			Metadata:   map[string]string{"runtime_kind": string(kind), "error_kind": attempt.ErrorKind},
		})
		e.router.RecordFailure(inst.ID, kind)
		return result, execErr
	}

	attempt.Outcome = types.AttemptOK
	e.recordAttempt(task, attempt)
	metrics.AttemptsTotal.WithLabelValues(string(kind), "ok").Inc()
	e.router.RecordDispatch(task.SessionID, inst.ID)
	return result, nil
}

func (e *Engine) recordAttempt(task *types.Task, attempt *types.Attempt) {
	task.Attempts = append(task.Attempts, attempt)
	if err := e.store.CreateAttempt(attempt); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist attempt")
	}
	_ = e.store.UpdateTask(task)
}

// finalize moves the task into a terminal state, settles its budget
// reservation against observed cost and emits the terminal event
func (e *Engine) finalize(task *types.Task, state types.TaskState, failureKind, message string) {
	e.transition(task, state, message)
	task.FailureKind = failureKind
	task.Message = message
	task.FinishedAt = e.now()
	if state != types.TaskDispatched && state != types.TaskRunning {
		task.InstanceID = ""
	}
	if err := e.store.UpdateTask(task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist terminal task")
	}

	var observed float64
	for _, attempt := range task.Attempts {
		observed += attempt.ObservedCost
	}
	e.mu.Lock()
	reservation := e.reservations[task.ID]
	delete(e.reservations, task.ID)
	e.mu.Unlock()
	e.gate.Reconcile(reservation, observed)

	metrics.TasksCompleted.WithLabelValues(string(state)).Inc()
	if !task.SubmittedAt.IsZero() {
		metrics.TaskDurationSeconds.Observe(task.FinishedAt.Sub(task.SubmittedAt).Seconds())
	}

	eventType := map[types.TaskState]events.EventType{
		types.TaskSucceeded: events.EventTaskCompleted,
		types.TaskFailed:    events.EventTaskFailed,
		types.TaskCancelled: events.EventTaskCancelled,
		types.TaskTimedOut:  events.EventTaskTimedOut,
	}[state]
	e.publish(&events.Event{
		Type:     eventType,
		TenantID: task.TenantID,
		TaskID:   task.ID,
		Message:  message,
		Audit:    true,
	})

	e.logger.Info().
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("state", string(state)).
		Int("attempts", len(task.Attempts)).
		Msg("Task finished")
}

// transition applies a state change with a write-ahead audit entry
func (e *Engine) transition(task *types.Task, to types.TaskState, reason string) {
	e.appendAudit(task, string(task.State), string(to), reason)
	task.State = to
}

func (e *Engine) appendAudit(task *types.Task, from, to, reason string) {
	if e.auditLog == nil {
		return
	}
	if _, err := e.auditLog.Append(audit.Record{
		EntityKind: types.EntityTask,
		EntityID:   task.ID,
		FromState:  from,
		ToState:    to,
		Actor:      "lifecycle",
		Reason:     reason,
		Snapshot:   task,
	}); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to audit task transition")
	}
}

// instanceLost interrupts in-flight dispatches on a removed instance.
// The failed attempt surfaces as InstanceLost, which is retryable, so the
// retry budget decides between re-dispatch and a terminal failure.
func (e *Engine) instanceLost(instanceID string) {
	e.mu.Lock()
	var affected []*runningTask
	for _, rt := range e.running {
		if rt.instance() == instanceID {
			affected = append(affected, rt)
		}
	}
	e.mu.Unlock()

	for _, rt := range affected {
		e.logger.Warn().Str("task_id", rt.taskID).Str("instance_id", instanceID).Msg("Instance lost mid-attempt")
		rt.markLost()
	}
}

// Shutdown drains gracefully: admission stops, queued tasks get the
// admission window to dispatch, running tasks get the running window to
// finish, and whatever remains is cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.waitFor(ctx, e.cfg.Drain.AdmissionDrainWindow, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, q := range e.queues {
			if !q.empty() {
				return false
			}
		}
		return true
	})

	// Cancel whatever is still queued.
	e.mu.Lock()
	var leftover []*types.Task
	for _, q := range e.queues {
		leftover = append(leftover, q.drain()...)
	}
	e.mu.Unlock()
	for _, task := range leftover {
		e.finalize(task, types.TaskCancelled, string(faults.KindCancelled), "control plane shutdown")
	}

	e.waitFor(ctx, e.cfg.Drain.RunningDrainWindow, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.running) == 0
	})

	e.mu.Lock()
	for _, rt := range e.running {
		rt.cancelReq.Store(true)
		rt.cancel()
	}
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	return nil
}

func (e *Engine) waitFor(ctx context.Context, window time.Duration, cond func() bool) {
	deadline := time.After(window)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) publish(event *events.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}
