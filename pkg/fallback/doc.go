// Package fallback descends a task through its runtime-kind ladder when
// attempts fail transiently. Policy gates each descent below the first
// rung; permanent failures stop the walk.
package fallback
