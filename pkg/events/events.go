package events

import (
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/rs/zerolog"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskSubmitted       EventType = "task.submitted"
	EventTaskAdmitted        EventType = "task.admitted"
	EventTaskRejected        EventType = "task.rejected"
	EventTaskRouted          EventType = "task.routed"
	EventTaskStarted         EventType = "task.started"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"
	EventTaskCancelled       EventType = "task.cancelled"
	EventTaskTimedOut        EventType = "task.timed_out"
	EventTaskAttemptFailed   EventType = "task.attempt.failed"
	EventTaskFallbackBlocked EventType = "task.fallback.blocked"
	EventInstanceRegistered  EventType = "instance.registered"
	EventInstanceDraining    EventType = "instance.draining"
	EventInstanceRemoved     EventType = "instance.removed"
	EventInstanceHealth      EventType = "instance.health.changed"
	EventBudgetAlert         EventType = "budget.alert"
	EventBudgetOvershoot     EventType = "budget.overshoot"
	EventCircuitTransition   EventType = "circuit.transition"
	EventAuditRollback       EventType = "audit.rollback"
)

// Event represents a lifecycle fact published on the bus
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	TenantID   string
	InstanceID string
	TaskID     string
	Message    string
	Audit      bool // Audit-tagged events are persisted synchronously on publish
	Metadata   map[string]string
}

// Filter is a pure predicate over event fields. A nil filter matches all.
type Filter func(*Event) bool

// Handler consumes delivered events. Returning an error counts against the
// subscription's consecutive-failure budget.
type Handler func(*Event) error

// Persister synchronously stores audit-tagged events. Optional.
type Persister interface {
	PersistEvent(*Event) error
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id      int
	filter  Filter
	handler Handler
	queue   chan *Event
	done    chan struct{}

	mu           sync.Mutex
	consecFails  int
	dead         bool
}

// Dead reports whether the subscription was retired after repeated
// delivery failures.
func (s *Subscription) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// Bus delivers lifecycle events to subscribers without blocking producers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscription
	nextID      int
	queueSize   int
	deadAfter   int
	persister   Persister
	closed      bool
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// Option configures the bus
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithDeadAfter sets how many consecutive handler failures retire a subscription
func WithDeadAfter(n int) Option {
	return func(b *Bus) { b.deadAfter = n }
}

// WithPersister enables synchronous persistence of audit-tagged events
func WithPersister(p Persister) Option {
	return func(b *Bus) { b.persister = p }
}

// NewBus creates a new event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[int]*Subscription),
		queueSize:   256,
		deadAfter:   10,
		logger:      log.WithComponent("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for events matching the filter and starts
// its delivery goroutine. Delivery is FIFO per subscription.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:      b.nextID,
		filter:  filter,
		handler: handler,
		queue:   make(chan *Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.nextID++
	b.subscribers[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	return sub
}

// Unsubscribe removes a subscription and frees its queue
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.done)
}

// Publish fans the event out to matching subscribers. It never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber only
// and the dropped counter is incremented. Audit-tagged events are persisted
// synchronously before fan-out.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.Audit && b.persister != nil {
		if err := b.persister.PersistEvent(event); err != nil {
			metrics.EventsDropped.WithLabelValues("persist_error").Inc()
			b.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to persist audit event")
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		metrics.EventsDropped.WithLabelValues("bus_closed").Inc()
		return
	}

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			metrics.EventsDropped.WithLabelValues("subscriber_full").Inc()
		}
	}
}

// deliver drains one subscription's queue. Handler panics are isolated; a
// run of deadAfter consecutive failures retires the subscription.
func (b *Bus) deliver(sub *Subscription) {
	defer b.wg.Done()

	for {
		select {
		case event := <-sub.queue:
			err := b.invoke(sub, event)

			sub.mu.Lock()
			if err != nil {
				sub.consecFails++
				if sub.consecFails >= b.deadAfter {
					sub.dead = true
					sub.mu.Unlock()
					b.logger.Warn().Int("subscription", sub.id).Msg("Subscription dead after consecutive delivery failures")
					b.mu.Lock()
					b.removeLocked(sub)
					b.mu.Unlock()
					return
				}
			} else {
				sub.consecFails = 0
			}
			sub.mu.Unlock()

		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *Subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Int("subscription", sub.id).Interface("panic", r).Msg("Subscriber handler panicked")
			err = &handlerPanic{value: r}
		}
	}()
	return sub.handler(event)
}

type handlerPanic struct{ value any }

func (p *handlerPanic) Error() string { return "subscriber handler panicked" }

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops delivery and waits for subscriber goroutines to exit
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		delete(b.subscribers, sub.id)
		close(sub.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// TypeFilter matches events of any of the given types
func TypeFilter(eventTypes ...EventType) Filter {
	set := make(map[EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		set[et] = struct{}{}
	}
	return func(e *Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// TenantFilter matches events for one tenant
func TenantFilter(tenantID string) Filter {
	return func(e *Event) bool { return e.TenantID == tenantID }
}

// TaskFilter matches events for one task
func TaskFilter(taskID string) Filter {
	return func(e *Event) bool { return e.TaskID == taskID }
}

// InstanceFilter matches events for one instance
func InstanceFilter(instanceID string) Filter {
	return func(e *Event) bool { return e.InstanceID == instanceID }
}

// And combines filters conjunctively
func And(filters ...Filter) Filter {
	return func(e *Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}
