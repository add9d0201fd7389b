// Package connectors provides the uniform command execution contract over
// SSH, remote-shell agents, cloud run-command APIs, relational stores,
// HTTP endpoints, and network-device cluster sessions.
//
// Every connector reports its outcome through engine.CommandResult. The
// ConnectionError flag carries the central distinction: transport or
// authentication failures are retry-eligible, while a command that ran
// and exited non-zero is never retried by the connector layer.
package connectors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// ConnectionConfig is the resolved connection metadata for one target.
// Fields are populated per connector class; unused fields stay empty.
type ConnectionConfig struct {
	// Type names the connector class (e.g. "ssh", "remote_shell").
	Type string `json:"type"`

	// Host is the target hostname or IP address.
	Host string `json:"host,omitempty"`

	// Port is the target port. Zero means the connector default.
	Port int `json:"port,omitempty"`

	// User is the account to authenticate as.
	User string `json:"user,omitempty"`

	// Password is the account password, when password auth is used.
	Password string `json:"password,omitempty"`

	// PrivateKey is a PEM-encoded private key, when key auth is used.
	PrivateKey string `json:"private_key,omitempty"`

	// Endpoint is the API endpoint for HTTP and cloud connectors.
	Endpoint string `json:"endpoint,omitempty"`

	// Token is a bearer token for API-authenticated connectors.
	Token string `json:"token,omitempty"`

	// Driver and DSN configure the relational-store connector.
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`

	// Provider selects the cloud run-command dialect (azure, aws, gcp).
	Provider string `json:"provider,omitempty"`

	// ResourceID is the structured cloud resource identifier, when known.
	ResourceID string `json:"resource_id,omitempty"`

	// VMName is the cloud VM name for run-command targets.
	VMName string `json:"vm_name,omitempty"`

	// CIName is the configuration-item name from the originating ticket.
	CIName string `json:"ci_name,omitempty"`

	// ClusterID and DeviceID address network-device targets. A cluster
	// session must be established before device commands are accepted.
	ClusterID string `json:"cluster_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	// OS tags the target operating system for command validation.
	OS string `json:"os,omitempty"`

	// Metadata carries opaque connector-specific settings.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TargetName returns the best available name for the execution target:
// the host, then the VM name, then the CI name, then the last segment of
// the structured resource identifier.
func (c *ConnectionConfig) TargetName() string {
	if c.Host != "" {
		return c.Host
	}
	if c.VMName != "" {
		return c.VMName
	}
	if c.CIName != "" {
		return c.CIName
	}
	if c.ResourceID != "" {
		parts := strings.Split(c.ResourceID, "/")
		return parts[len(parts)-1]
	}
	return ""
}

// Connector executes commands against one class of target.
type Connector interface {
	// Name returns the connector class name used for registry lookup.
	Name() string

	// Execute runs a command against the target described by config. The
	// returned error is reserved for connector-internal faults; command
	// and transport failures are reported in the result.
	Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error)
}

// Registry holds the connectors available to one worker instance. It is
// an explicit dependency-injected service with per-worker lifetime, not a
// process-wide singleton, so tests stay isolated.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector under its name. Registering a duplicate name
// replaces the previous connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector for the given class name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, engine.NewNotFoundError("connector", name)
	}
	return c, nil
}

// Names returns the registered connector class names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	return names
}

// BoundExecutor binds a connector and a resolved connection config into
// the engine's StepExecutor contract.
type BoundExecutor struct {
	connector Connector
	config    *ConnectionConfig
}

// Bind creates a StepExecutor for the given connector and config.
func Bind(c Connector, config *ConnectionConfig) *BoundExecutor {
	return &BoundExecutor{connector: c, config: config}
}

// Execute implements engine.StepExecutor.
func (b *BoundExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (*engine.CommandResult, error) {
	return b.connector.Execute(ctx, command, b.config, timeout)
}

// connectionFailure builds the uniform result for a transport-level error.
func connectionFailure(err error, attempts int, started time.Time) *engine.CommandResult {
	return &engine.CommandResult{
		Success:         false,
		Error:           err.Error(),
		ExitCode:        -1,
		ConnectionError: true,
		DurationMS:      time.Since(started).Milliseconds(),
		RetryCount:      attempts - 1,
	}
}

// commandFailure builds the uniform result for a command that ran and
// exited non-zero. Never retried.
func commandFailure(exitCode int, stdout, stderr string, attempts int, started time.Time) *engine.CommandResult {
	return &engine.CommandResult{
		Success:         false,
		Output:          stdout,
		Error:           stderr,
		ExitCode:        exitCode,
		ConnectionError: false,
		DurationMS:      time.Since(started).Milliseconds(),
		RetryCount:      attempts - 1,
	}
}

// commandSuccess builds the uniform result for a successful command.
func commandSuccess(stdout string, attempts int, started time.Time) *engine.CommandResult {
	return &engine.CommandResult{
		Success:    true,
		Output:     stdout,
		ExitCode:   0,
		DurationMS: time.Since(started).Milliseconds(),
		RetryCount: attempts - 1,
	}
}

// validateTarget checks the minimum addressing a connector needs.
func validateTarget(config *ConnectionConfig, fields ...string) error {
	for _, f := range fields {
		var v string
		switch f {
		case "host":
			v = config.Host
		case "user":
			v = config.User
		case "endpoint":
			v = config.Endpoint
		case "driver":
			v = config.Driver
		case "dsn":
			v = config.DSN
		case "cluster_id":
			v = config.ClusterID
		case "device_id":
			v = config.DeviceID
		}
		if v == "" {
			return fmt.Errorf("connection config missing required field %q", f)
		}
	}
	return nil
}
