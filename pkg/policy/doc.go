// Package policy decides which runtime kinds a tenant's tasks may use and
// gates fallback descent to weaker isolation.
package policy
