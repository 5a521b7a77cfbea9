// Package storage persists control-plane state in BoltDB: instances, tasks,
// attempts, tenant budgets, quotas, breaker state, and the append-only audit
// log. Records are stored as JSON, one bucket per entity, with upsert
// semantics. Audit entries are keyed by big-endian sequence number so range
// scans come back in seq order.
package storage
