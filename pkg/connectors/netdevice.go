package connectors

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// ClusterSession is an established control session against a device
// cluster's management endpoint. Device-scoped commands are only
// accepted once a cluster session exists.
type ClusterSession struct {
	ClusterID     string
	client        *ssh.Client
	EstablishedAt time.Time
	LastUsedAt    time.Time
}

// Close tears down the underlying connection.
func (s *ClusterSession) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ClusterSessionCache holds cluster sessions keyed by cluster id so they
// are reused across assignments that target the same cluster. Entries
// idle longer than the TTL are closed and evicted by Sweep.
type ClusterSessionCache struct {
	mu       sync.Mutex
	sessions map[string]*ClusterSession
	ttl      time.Duration
	logger   zerolog.Logger
}

// DefaultClusterSessionTTL bounds how long an idle cluster session is
// kept before it is torn down.
const DefaultClusterSessionTTL = 30 * time.Minute

// NewClusterSessionCache creates a cache with the given idle TTL. A
// zero ttl uses DefaultClusterSessionTTL.
func NewClusterSessionCache(ttl time.Duration, logger zerolog.Logger) *ClusterSessionCache {
	if ttl <= 0 {
		ttl = DefaultClusterSessionTTL
	}
	return &ClusterSessionCache{
		sessions: make(map[string]*ClusterSession),
		ttl:      ttl,
		logger:   logger.With().Str("component", "cluster_cache").Logger(),
	}
}

// Get returns the cached session for the cluster, if any.
func (c *ClusterSessionCache) Get(clusterID string) (*ClusterSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[clusterID]
	if ok {
		s.LastUsedAt = time.Now()
	}
	return s, ok
}

// Put stores a session, closing any previous one for the same cluster.
func (c *ClusterSessionCache) Put(s *ClusterSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[s.ClusterID]; ok {
		_ = old.Close()
	}
	c.sessions[s.ClusterID] = s
}

// Evict removes and closes the session for the cluster.
func (c *ClusterSessionCache) Evict(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[clusterID]; ok {
		_ = s.Close()
		delete(c.sessions, clusterID)
	}
}

// Sweep closes and removes sessions idle longer than the TTL. Returns
// the number of sessions evicted.
func (c *ClusterSessionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	evicted := 0
	for id, s := range c.sessions {
		if s.LastUsedAt.Before(cutoff) {
			_ = s.Close()
			delete(c.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug().Int("evicted", evicted).Msg("swept idle cluster sessions")
	}
	return evicted
}

// Len returns the number of cached sessions.
func (c *ClusterSessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close tears down every cached session.
func (c *ClusterSessionCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		_ = s.Close()
		delete(c.sessions, id)
	}
}

// NetworkDeviceConnector executes commands on network devices through a
// cluster management endpoint. Execution is two-phase: a cluster-scoped
// session is established (and cached) first; device commands are only
// sent over an established cluster session.
type NetworkDeviceConnector struct {
	policy RetryPolicy
	cache  *ClusterSessionCache
	dialer sshDialer
	logger zerolog.Logger
}

// NewNetworkDeviceConnector creates a network-device connector backed by
// the given cluster-session cache.
func NewNetworkDeviceConnector(policy RetryPolicy, cache *ClusterSessionCache, logger zerolog.Logger) *NetworkDeviceConnector {
	return &NetworkDeviceConnector{
		policy: policy,
		cache:  cache,
		dialer: ssh.Dial,
		logger: logger.With().Str("connector", "network_device").Logger(),
	}
}

// Name implements the Connector interface.
func (c *NetworkDeviceConnector) Name() string {
	return "network_device"
}

// EstablishSession dials the cluster management endpoint and caches the
// session under the cluster id. An already-cached session is reused.
func (c *NetworkDeviceConnector) EstablishSession(ctx context.Context, config *ConnectionConfig) (*ClusterSession, error) {
	if err := validateTarget(config, "cluster_id", "host", "user"); err != nil {
		return nil, err
	}
	if s, ok := c.cache.Get(config.ClusterID); ok {
		return s, nil
	}

	clientConfig, err := buildClientConfig(config, 30*time.Second)
	if err != nil {
		return nil, err
	}
	port := config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(config.Host, fmt.Sprintf("%d", port))

	client, err := c.dialer("tcp", addr, clientConfig)
	if err != nil {
		return nil, engine.NewConnectionError("establish cluster session", 1,
			fmt.Errorf("failed to connect to cluster %s at %s: %w", config.ClusterID, addr, err))
	}

	now := time.Now()
	session := &ClusterSession{
		ClusterID:     config.ClusterID,
		client:        client,
		EstablishedAt: now,
		LastUsedAt:    now,
	}
	c.cache.Put(session)
	c.logger.Info().Str("cluster_id", config.ClusterID).Str("addr", addr).Msg("cluster session established")
	return session, nil
}

// Execute implements the Connector interface. The cluster session is
// established on first use; subsequent commands for the same cluster
// reuse the cached session. A broken cached session is evicted and the
// failure surfaces as a connection error so the caller may retry.
func (c *NetworkDeviceConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "cluster_id", "device_id"); err != nil {
		return nil, err
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.executeOnce(ctx, command, config, timeout, attempt, started)
	})
}

func (c *NetworkDeviceConnector) executeOnce(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	clusterSession, err := c.EstablishSession(ctx, config)
	if err != nil {
		return connectionFailure(err, attempt+1, started), nil
	}

	sess, err := clusterSession.client.NewSession()
	if err != nil {
		// The cached connection has gone bad; drop it so the next
		// attempt re-establishes.
		c.cache.Evict(config.ClusterID)
		return connectionFailure(fmt.Errorf("cluster session unusable: %w", err), attempt+1, started), nil
	}
	defer sess.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	sess.Stdout = &stdoutBuf
	sess.Stderr = &stderrBuf

	scoped := deviceScopedCommand(config.DeviceID, command)
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- sess.Run(scoped)
	}()

	var runErr error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		runErr = fmt.Errorf("device command timed out after %s", timeout)
	case runErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return commandFailure(exitErr.ExitStatus(), stdout, stderr, attempt+1, started), nil
		}
		c.cache.Evict(config.ClusterID)
		return connectionFailure(runErr, attempt+1, started), nil
	}
	return commandSuccess(stdout, attempt+1, started), nil
}

// deviceScopedCommand prefixes the command so the cluster management
// endpoint routes it to the target device.
func deviceScopedCommand(deviceID, command string) string {
	return fmt.Sprintf("device %s %s", deviceID, command)
}
