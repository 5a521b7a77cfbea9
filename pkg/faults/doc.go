// Package faults defines the error taxonomy surfaced at component
// boundaries. Every error that crosses a package boundary is classified by
// Kind; retryability, fallback behavior, and client visibility all derive
// from the kind rather than from error string matching.
package faults
