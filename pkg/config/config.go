// Package config loads daemon and worker settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DaemonConfig configures the control-plane process.
type DaemonConfig struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `env:"REMEDY_LISTEN_ADDR" envDefault:":8080"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `env:"REMEDY_DB_PATH" envDefault:"remedy.db"`

	// LogLevel is the minimum log level.
	LogLevel string `env:"REMEDY_LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" or "console".
	LogFormat string `env:"REMEDY_LOG_FORMAT" envDefault:"json"`

	// MetricsNamespace prefixes all Prometheus metric names.
	MetricsNamespace string `env:"REMEDY_METRICS_NAMESPACE" envDefault:"remedy"`

	// StreamPollInterval is the consumer poll interval.
	StreamPollInterval time.Duration `env:"REMEDY_STREAM_POLL_INTERVAL" envDefault:"1s"`

	// StepTimeout bounds a single step execution.
	StepTimeout time.Duration `env:"REMEDY_STEP_TIMEOUT" envDefault:"5m"`

	// PolicyDir holds additional rego policies loaded at startup.
	PolicyDir string `env:"REMEDY_POLICY_DIR"`

	// AssignmentAckDeadline is how long an assignment may wait for a
	// worker acknowledgement before it is redelivered.
	AssignmentAckDeadline time.Duration `env:"REMEDY_ASSIGNMENT_ACK_DEADLINE" envDefault:"60s"`

	// RedeliveryInterval is the stale-assignment sweep cadence.
	RedeliveryInterval time.Duration `env:"REMEDY_REDELIVERY_INTERVAL" envDefault:"30s"`

	// MaxAssignmentRetries bounds assignment redeliveries per session.
	MaxAssignmentRetries int `env:"REMEDY_MAX_ASSIGNMENT_RETRIES" envDefault:"3"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// WorkerID identifies this worker; defaults to the hostname when empty.
	WorkerID string `env:"REMEDY_WORKER_ID"`

	// DatabasePath is the shared SQLite database file carrying the streams.
	DatabasePath string `env:"REMEDY_DB_PATH" envDefault:"remedy.db"`

	// Capabilities lists the connector classes this worker serves.
	Capabilities []string `env:"REMEDY_WORKER_CAPABILITIES" envDefault:"ssh,remote_shell,http_call,sql_query,cloud_run_command,network_device" envSeparator:","`

	// NetworkSegment tags where this worker can reach.
	NetworkSegment string `env:"REMEDY_WORKER_SEGMENT"`

	// MaxConcurrency is the advertised concurrent assignment capacity.
	MaxConcurrency int `env:"REMEDY_WORKER_CONCURRENCY" envDefault:"4"`

	// HeartbeatInterval is how often the worker reports liveness.
	HeartbeatInterval time.Duration `env:"REMEDY_HEARTBEAT_INTERVAL" envDefault:"15s"`

	// StepTimeout bounds a single step execution.
	StepTimeout time.Duration `env:"REMEDY_STEP_TIMEOUT" envDefault:"5m"`

	// ClusterSessionTTL bounds idle network-device cluster sessions.
	ClusterSessionTTL time.Duration `env:"REMEDY_CLUSTER_SESSION_TTL" envDefault:"30m"`

	// LogLevel is the minimum log level.
	LogLevel string `env:"REMEDY_LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" or "console".
	LogFormat string `env:"REMEDY_LOG_FORMAT" envDefault:"json"`
}

// LoadDaemon reads the daemon configuration from the environment.
func LoadDaemon() (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse daemon config: %w", err)
	}
	return cfg, nil
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return cfg, nil
}
