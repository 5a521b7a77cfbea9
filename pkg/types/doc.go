// Package types defines the shared data model for Drover: instances, tasks,
// attempts, budgets, quotas, breaker state, and audit entries. All other
// packages depend on types; types depends on nothing but the standard library.
package types
