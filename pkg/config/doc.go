// Package config loads the control-plane configuration from YAML and
// supplies documented defaults for every tunable: router weights and
// thresholds, health probe cadence, breaker defaults, budget resets, event
// bus sizing, and drain windows.
package config
