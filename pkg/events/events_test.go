package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var taskEvents, allEvents []*Event

	bus.Subscribe(TypeFilter(EventTaskCompleted), func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		taskEvents = append(taskEvents, e)
		return nil
	})
	bus.Subscribe(nil, func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		allEvents = append(allEvents, e)
		return nil
	})

	bus.Publish(&Event{Type: EventTaskCompleted, TaskID: "t-1"})
	bus.Publish(&Event{Type: EventInstanceRegistered, InstanceID: "i-1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(allEvents) == 2 && len(taskEvents) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t-1", taskEvents[0].TaskID)
}

func TestPerSubscriberFIFO(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var received []string
	bus.Subscribe(nil, func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.TaskID)
		return nil
	})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(&Event{Type: EventTaskStarted, TaskID: id})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, received)
}

func TestFullQueueDropsForThatSubscriberOnly(t *testing.T) {
	bus := NewBus(WithQueueSize(1))
	defer bus.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var slow int
	fastDone := make(chan struct{}, 10)

	bus.Subscribe(nil, func(e *Event) error {
		<-block
		mu.Lock()
		slow++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(nil, func(e *Event) error {
		fastDone <- struct{}{}
		return nil
	})

	// The slow subscriber blocks on its first delivery; its queue holds one
	// more. Everything past that is dropped for it but not for the fast one,
	// which is drained between publishes.
	for i := 0; i < 10; i++ {
		bus.Publish(&Event{Type: EventTaskStarted})
		<-fastDone
	}
	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slow >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, slow, 2)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(WithDeadAfter(3))
	defer bus.Close()

	var mu sync.Mutex
	var healthy int

	sub := bus.Subscribe(nil, func(e *Event) error {
		panic("boom")
	})
	bus.Subscribe(nil, func(e *Event) error {
		mu.Lock()
		healthy++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		bus.Publish(&Event{Type: EventTaskStarted})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy == 3 && sub.Dead()
	})

	assert.True(t, sub.Dead())
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestSubscriptionDeadAfterConsecutiveFailures(t *testing.T) {
	bus := NewBus(WithDeadAfter(2))
	defer bus.Close()

	sub := bus.Subscribe(nil, func(e *Event) error {
		return errors.New("handler failed")
	})

	bus.Publish(&Event{Type: EventTaskStarted})
	bus.Publish(&Event{Type: EventTaskStarted})

	waitFor(t, func() bool { return sub.Dead() })
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	bus := NewBus(WithDeadAfter(2))
	defer bus.Close()

	var mu sync.Mutex
	fail := true
	delivered := 0
	sub := bus.Subscribe(nil, func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	})

	// Alternating failure and success never reaches two consecutive failures.
	for i := 0; i < 4; i++ {
		bus.Publish(&Event{Type: EventTaskStarted})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 4
	})
	assert.False(t, sub.Dead())
}

type capturePersister struct {
	mu     sync.Mutex
	events []*Event
}

func (p *capturePersister) PersistEvent(e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func TestAuditEventsPersistSynchronously(t *testing.T) {
	persister := &capturePersister{}
	bus := NewBus(WithPersister(persister))
	defer bus.Close()

	bus.Publish(&Event{Type: EventInstanceHealth, InstanceID: "i-1", Audit: true})
	bus.Publish(&Event{Type: EventTaskStarted, TaskID: "t-1"})

	// Persistence is synchronous for audit events, so no waiting needed.
	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.events, 1)
	assert.Equal(t, EventInstanceHealth, persister.events[0].Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	sub := bus.Subscribe(nil, func(e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	bus.Publish(&Event{Type: EventTaskStarted})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	bus.Unsubscribe(sub)
	bus.Publish(&Event{Type: EventTaskStarted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
