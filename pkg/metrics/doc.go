// Package metrics defines Drover's Prometheus collectors: task and attempt
// counters, breaker transitions, dropped events, budget alerts, queue and
// fleet gauges, and latency histograms. Collectors are registered at init
// and exposed through Handler on the API server's /metrics endpoint.
package metrics
