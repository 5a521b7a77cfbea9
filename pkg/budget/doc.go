// Package budget enforces per-tenant cost ceilings and concurrency quotas
// at admission. Estimated cost is reserved before dispatch and reconciled
// against observed cost afterwards; threshold crossings emit budget.alert
// once per window and window resets are idempotent.
package budget
