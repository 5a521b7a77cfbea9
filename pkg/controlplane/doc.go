// Package controlplane replicates durable control-plane state with
// Raft. A Node wraps the hashicorp/raft instance; the FSM applies
// committed commands to the BoltDB store so every member converges on
// the same instances, tasks, budgets, breakers and audit log. A single
// node bootstraps itself; more members join through the leader.
package controlplane
