package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// RemoteShellConnector executes commands through a remote-shell agent
// (the WinRM-equivalent path): an HTTP endpoint on or near the target
// that runs a shell command and reports its exit code and output.
type RemoteShellConnector struct {
	policy RetryPolicy
	client *http.Client
	logger zerolog.Logger
}

// NewRemoteShellConnector creates a remote-shell connector.
func NewRemoteShellConnector(policy RetryPolicy, client *http.Client, logger zerolog.Logger) *RemoteShellConnector {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RemoteShellConnector{
		policy: policy,
		client: client,
		logger: logger.With().Str("connector", "remote_shell").Logger(),
	}
}

// Name implements the Connector interface.
func (c *RemoteShellConnector) Name() string {
	return "remote_shell"
}

// remoteShellRequest is the agent's execution request body.
type remoteShellRequest struct {
	Command        string `json:"command"`
	Shell          string `json:"shell,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// remoteShellResponse is the agent's execution response body.
type remoteShellResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Execute implements the Connector interface.
func (c *RemoteShellConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "endpoint"); err != nil {
		return nil, err
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.executeOnce(ctx, command, config, timeout, attempt, started)
	})
}

func (c *RemoteShellConnector) executeOnce(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	body, err := json.Marshal(remoteShellRequest{
		Command:        command,
		Shell:          config.Metadata["shell"],
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, config.Endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return connectionFailure(fmt.Errorf("agent unreachable: %w", err), attempt+1, started), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return connectionFailure(fmt.Errorf("agent rejected credentials: %s", resp.Status), attempt+1, started), nil
	case resp.StatusCode >= 500:
		return connectionFailure(fmt.Errorf("agent error: %s", resp.Status), attempt+1, started), nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected agent response: %s", resp.Status)
	}

	var shellResp remoteShellResponse
	if err := json.NewDecoder(resp.Body).Decode(&shellResp); err != nil {
		return connectionFailure(fmt.Errorf("malformed agent response: %w", err), attempt+1, started), nil
	}

	c.logger.Debug().
		Str("endpoint", config.Endpoint).
		Int("exit_code", shellResp.ExitCode).
		Int("attempt", attempt+1).
		Msg("remote shell command completed")

	if shellResp.ExitCode != 0 {
		return commandFailure(shellResp.ExitCode, shellResp.Stdout, shellResp.Stderr, attempt+1, started), nil
	}
	return commandSuccess(shellResp.Stdout, attempt+1, started), nil
}
