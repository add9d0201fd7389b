package connectors

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// SSHConnector executes commands over SSH. Transport and authentication
// failures are classified as connection errors; a command that runs and
// exits non-zero is a clean command failure and is never retried.
type SSHConnector struct {
	policy RetryPolicy
	dialer sshDialer
	logger zerolog.Logger
}

// sshDialer abstracts ssh.Dial for testing.
type sshDialer func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// NewSSHConnector creates an SSH connector with the given retry policy.
func NewSSHConnector(policy RetryPolicy, logger zerolog.Logger) *SSHConnector {
	return &SSHConnector{
		policy: policy,
		dialer: ssh.Dial,
		logger: logger.With().Str("connector", "ssh").Logger(),
	}
}

// Name implements the Connector interface.
func (c *SSHConnector) Name() string {
	return "ssh"
}

// Execute implements the Connector interface.
func (c *SSHConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "host", "user"); err != nil {
		return nil, err
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.executeOnce(ctx, command, config, timeout, attempt, started)
	})
}

func (c *SSHConnector) executeOnce(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	clientConfig, err := buildClientConfig(config, timeout)
	if err != nil {
		// Bad key material is an auth-level failure, not retryable by
		// waiting, but it is still a connection-class outcome.
		return connectionFailure(err, attempt+1, started), nil
	}

	port := config.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(config.Host, fmt.Sprintf("%d", port))

	c.logger.Debug().
		Str("address", address).
		Int("attempt", attempt+1).
		Msg("establishing SSH connection")

	client, err := c.dialer("tcp", address, clientConfig)
	if err != nil {
		return connectionFailure(fmt.Errorf("failed to dial %s: %w", address, err), attempt+1, started), nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return connectionFailure(fmt.Errorf("failed to create session: %w", err), attempt+1, started), nil
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(command)
	}()

	var execErr error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		execErr = fmt.Errorf("command timed out after %s", timeout)
	case execErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", command).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			// The command ran and returned a non-zero exit code.
			return commandFailure(exitErr.ExitStatus(), stdout, stderr, attempt+1, started), nil
		}
		return connectionFailure(execErr, attempt+1, started), nil
	}

	return commandSuccess(stdout, attempt+1, started), nil
}

// buildClientConfig assembles the ssh.ClientConfig from connection metadata.
func buildClientConfig(config *ConnectionConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth := []ssh.AuthMethod{}
	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auth = append(auth, ssh.Password(config.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH auth method configured for %s", config.Host)
	}

	connectTimeout := 30 * time.Second
	if timeout > 0 && timeout < connectTimeout {
		connectTimeout = timeout
	}

	return &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // targets are ephemeral incident hosts
		Timeout:         connectTimeout,
	}, nil
}
