package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task counters
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_admitted_total",
			Help: "Total number of tasks admitted past the budget and quota gate",
		},
	)

	TasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_rejected_total",
			Help: "Total number of tasks rejected at admission by reason",
		},
		[]string{"reason"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state by outcome",
		},
		[]string{"outcome"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_attempts_total",
			Help: "Total number of task attempts by runtime kind and outcome",
		},
		[]string{"runtime_kind", "outcome"},
	)

	// Circuit breaker
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"to_state"},
	)

	// Event bus
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_events_dropped_total",
			Help: "Total number of events dropped by reason",
		},
		[]string{"reason"},
	)

	// Budget
	BudgetAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_budget_alerts_total",
			Help: "Total number of budget threshold alerts by level",
		},
		[]string{"level"},
	)

	// Gauges
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Queued tasks per tenant and priority",
		},
		[]string{"tenant", "priority"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_instances_total",
			Help: "Registered instances by health status",
		},
		[]string{"status"},
	)

	FederationUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_federation_utilization",
			Help: "Global session utilization across healthy and degraded instances",
		},
	)

	// Latency histograms
	AdmissionToDispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_admission_to_dispatch_seconds",
			Help:    "Latency from admission to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchToStartSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_dispatch_to_start_seconds",
			Help:    "Latency from dispatch to running in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_attempt_duration_seconds",
			Help:    "Attempt duration in seconds by runtime kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime_kind"},
	)

	TaskDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_task_duration_seconds",
			Help:    "End-to-end task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksAdmitted)
	prometheus.MustRegister(TasksRejected)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(CircuitTransitions)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(BudgetAlerts)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(FederationUtilization)
	prometheus.MustRegister(AdmissionToDispatchSeconds)
	prometheus.MustRegister(DispatchToStartSeconds)
	prometheus.MustRegister(AttemptDurationSeconds)
	prometheus.MustRegister(TaskDurationSeconds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
