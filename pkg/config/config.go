package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration loaded from YAML
type Config struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"` // Raft transport address
	APIAddr  string `yaml:"api_addr"`  // HTTP API address

	Log     LogConfig     `yaml:"log"`
	Router  RouterConfig  `yaml:"router"`
	Health  HealthConfig  `yaml:"health"`
	Breaker BreakerConfig `yaml:"breaker"`
	Budget  BudgetConfig  `yaml:"budget"`
	Events  EventsConfig  `yaml:"events"`
	Drain   DrainConfig   `yaml:"drain"`
	API     APIConfig     `yaml:"api"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RouterConfig holds scoring weights and admission thresholds
type RouterConfig struct {
	RejectThreshold float64 `yaml:"reject_threshold"` // Global utilization above which submission fails fast

	// Scoring weights, applied in order: free capacity, queue headroom,
	// region match, capability excess, recent failure penalty.
	WeightUtil        float64 `yaml:"weight_util"`
	WeightQueue       float64 `yaml:"weight_queue"`
	WeightRegion      float64 `yaml:"weight_region"`
	WeightCapExcess   float64 `yaml:"weight_cap_excess"`
	WeightFailPenalty float64 `yaml:"weight_fail_penalty"`

	// Recent failure penalty decays with this half-life.
	PenaltyHalfLife time.Duration `yaml:"penalty_half_life"`
	PenaltyTTL      time.Duration `yaml:"penalty_ttl"`
}

// HealthConfig tunes the probe cycle and status transitions
type HealthConfig struct {
	ProbeInterval                time.Duration `yaml:"probe_interval"`
	ProbeTimeout                 time.Duration `yaml:"probe_timeout"`
	DegradedLatency              time.Duration `yaml:"degraded_latency"`
	DegradedUtil                 float64       `yaml:"degraded_util"`
	UnhealthyConsecutiveFailures int           `yaml:"unhealthy_consecutive_failures"`
	HealthyConsecutiveSuccesses  int           `yaml:"healthy_consecutive_successes"`
	RemoveAfter                  time.Duration `yaml:"remove_after"`
	MaxProbeWorkers              int           `yaml:"max_probe_workers"`
}

// BreakerConfig holds circuit breaker defaults per key
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetAfter       time.Duration `yaml:"reset_after"`
}

// BudgetConfig tunes reservation slack, alert thresholds, and resets
type BudgetConfig struct {
	ReservationSlack float64   `yaml:"reservation_slack"` // Fraction observed cost may exceed the reservation before alerting
	AlertThresholds  []float64 `yaml:"alert_thresholds"`  // e.g. [0.75, 0.9]
	ResetHourUTC     int       `yaml:"reset_hour_utc"`
}

// EventsConfig tunes the event bus
type EventsConfig struct {
	SubscriberQueueSize  int `yaml:"subscriber_queue_size"`
	DeadAfterConsecutive int `yaml:"dead_after_consecutive"`
}

// DrainConfig bounds graceful shutdown and instance drain
type DrainConfig struct {
	InstanceDrainDeadline time.Duration `yaml:"instance_drain_deadline"`
	AdmissionDrainWindow  time.Duration `yaml:"admission_drain_window"`
	RunningDrainWindow    time.Duration `yaml:"running_drain_window"`
	CancelGrace           time.Duration `yaml:"cancel_grace"`
}

// APIConfig tunes the HTTP surface
type APIConfig struct {
	SubmitRatePerSecond float64 `yaml:"submit_rate_per_second"` // Per-tenant
	SubmitBurst         int     `yaml:"submit_burst"`
}

// RuntimeConfig configures in-process runtime providers. When LocalKinds
// is non-empty the node runs those backends itself instead of dispatching
// to worker instances.
type RuntimeConfig struct {
	LocalKinds         []string `yaml:"local_kinds"`
	RemoteEndpoint     string   `yaml:"remote_endpoint"`
	RemoteToken        string   `yaml:"remote_token"`
	ContainerdSocket   string   `yaml:"containerd_socket"`
	ContainerImage     string   `yaml:"container_image"`
	ContainerNamespace string   `yaml:"container_namespace"`
	VMName             string   `yaml:"vm_name"`
	CostPerSecond      float64  `yaml:"cost_per_second"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "/var/lib/drover",
		BindAddr: "127.0.0.1:7946",
		APIAddr:  "127.0.0.1:7433",
		Log: LogConfig{
			Level: "info",
		},
		Router: RouterConfig{
			RejectThreshold:   0.95,
			WeightUtil:        0.35,
			WeightQueue:       0.25,
			WeightRegion:      0.15,
			WeightCapExcess:   0.10,
			WeightFailPenalty: 0.15,
			PenaltyHalfLife:   30 * time.Second,
			PenaltyTTL:        5 * time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval:                15 * time.Second,
			ProbeTimeout:                 5 * time.Second,
			DegradedLatency:              2 * time.Second,
			DegradedUtil:                 0.85,
			UnhealthyConsecutiveFailures: 3,
			HealthyConsecutiveSuccesses:  2,
			RemoveAfter:                  10 * time.Minute,
			MaxProbeWorkers:              32,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetAfter:       30 * time.Second,
		},
		Budget: BudgetConfig{
			ReservationSlack: 0.25,
			AlertThresholds:  []float64{0.75, 0.9},
			ResetHourUTC:     0,
		},
		Events: EventsConfig{
			SubscriberQueueSize:  256,
			DeadAfterConsecutive: 10,
		},
		Drain: DrainConfig{
			InstanceDrainDeadline: 2 * time.Minute,
			AdmissionDrainWindow:  5 * time.Second,
			RunningDrainWindow:    60 * time.Second,
			CancelGrace:           10 * time.Second,
		},
		API: APIConfig{
			SubmitRatePerSecond: 50,
			SubmitBurst:         100,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.Router.RejectThreshold <= 0 || c.Router.RejectThreshold > 1 {
		return fmt.Errorf("router.reject_threshold must be in (0,1], got %v", c.Router.RejectThreshold)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Budget.ResetHourUTC < 0 || c.Budget.ResetHourUTC > 23 {
		return fmt.Errorf("budget.reset_hour_utc must be in [0,23], got %d", c.Budget.ResetHourUTC)
	}
	for _, th := range c.Budget.AlertThresholds {
		if th <= 0 || th >= 1 {
			return fmt.Errorf("budget.alert_thresholds entries must be in (0,1), got %v", th)
		}
	}
	if c.Health.MaxProbeWorkers < 1 {
		return fmt.Errorf("health.max_probe_workers must be >= 1, got %d", c.Health.MaxProbeWorkers)
	}
	if c.Events.SubscriberQueueSize < 1 {
		return fmt.Errorf("events.subscriber_queue_size must be >= 1, got %d", c.Events.SubscriberQueueSize)
	}
	return nil
}
