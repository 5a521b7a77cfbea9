// Package retry implements per-task retry policies: fixed, linear, and
// exponential backoff with uniform jitter and a max-delay clamp. Whether an
// error is retried at all is decided by its fault kind, never by message
// matching.
package retry
