// Package health probes registered instances on an interval and maintains
// each one's health status. Slow or overloaded instances degrade, repeated
// probe failures mark them unhealthy, and instances that stay unhealthy
// past the removal window are dropped from the registry.
package health
