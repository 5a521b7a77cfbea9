// Package audit maintains the append-only, totally ordered record of
// durable state transitions. Components append an entry before making the
// mutation visible, so the log is a write-ahead account of control-plane
// state. Rollback reconstructs any prior entity version from its snapshots,
// checkpointing the current state first.
package audit
