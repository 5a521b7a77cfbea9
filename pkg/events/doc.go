// Package events implements the lifecycle event bus. Publish never blocks:
// each subscription owns a bounded queue drained by its own goroutine, a
// full queue drops the event for that subscriber only, and delivery order is
// FIFO per subscription. Handlers that panic are isolated; a subscription is
// retired after a configured run of consecutive delivery failures.
// Audit-tagged events are persisted synchronously at publish time.
package events
