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

// CloudRunCommandConnector executes commands through a cloud provider's
// run-command API: submit the command, then poll the operation until it
// reaches a terminal state or the execution deadline passes. The Provider
// field of the connection config selects the dialect (azure, aws, gcp);
// the submit/poll flow is identical across providers.
type CloudRunCommandConnector struct {
	policy       RetryPolicy
	client       *http.Client
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewCloudRunCommandConnector creates a cloud run-command connector.
func NewCloudRunCommandConnector(policy RetryPolicy, client *http.Client, logger zerolog.Logger) *CloudRunCommandConnector {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &CloudRunCommandConnector{
		policy:       policy,
		client:       client,
		pollInterval: 5 * time.Second,
		logger:       logger.With().Str("connector", "cloud_run_command").Logger(),
	}
}

// Name implements the Connector interface.
func (c *CloudRunCommandConnector) Name() string {
	return "cloud_run_command"
}

// runCommandSubmission is the submit request body.
type runCommandSubmission struct {
	Provider   string `json:"provider"`
	ResourceID string `json:"resource_id,omitempty"`
	VMName     string `json:"vm_name,omitempty"`
	Command    string `json:"command"`
}

// runCommandOperation is the submit/poll response body.
type runCommandOperation struct {
	OperationID string `json:"operation_id"`
	State       string `json:"state"` // pending, running, succeeded, failed
	ExitCode    int    `json:"exit_code"`
	Output      string `json:"output"`
	Error       string `json:"error"`
}

func (op *runCommandOperation) terminal() bool {
	return op.State == "succeeded" || op.State == "failed"
}

// Execute implements the Connector interface. The connector-internal
// polling suspends only the calling task, for up to the execution
// timeout, not the whole worker.
func (c *CloudRunCommandConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "endpoint"); err != nil {
		return nil, err
	}
	if config.ResourceID == "" && config.VMName == "" {
		return nil, fmt.Errorf("connection config needs resource_id or vm_name for run-command")
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.submitAndPoll(ctx, command, config, timeout, attempt, started)
	})
}

func (c *CloudRunCommandConnector) submitAndPoll(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	deadline := time.Now().Add(timeout)

	op, connErr, err := c.submit(ctx, command, config)
	if err != nil {
		return nil, err
	}
	if connErr != nil {
		return connectionFailure(connErr, attempt+1, started), nil
	}

	c.logger.Debug().
		Str("provider", config.Provider).
		Str("operation_id", op.OperationID).
		Msg("run-command submitted")

	for !op.terminal() {
		if time.Now().After(deadline) {
			return connectionFailure(fmt.Errorf("run-command operation %s did not finish within %s", op.OperationID, timeout), attempt+1, started), nil
		}
		select {
		case <-ctx.Done():
			return connectionFailure(ctx.Err(), attempt+1, started), nil
		case <-time.After(c.pollInterval):
		}

		op, connErr, err = c.poll(ctx, config, op.OperationID)
		if err != nil {
			return nil, err
		}
		if connErr != nil {
			return connectionFailure(connErr, attempt+1, started), nil
		}
	}

	if op.State == "failed" && op.ExitCode == 0 {
		// Some providers report failure without an exit code.
		op.ExitCode = 1
	}
	if op.State == "failed" {
		return commandFailure(op.ExitCode, op.Output, op.Error, attempt+1, started), nil
	}
	return commandSuccess(op.Output, attempt+1, started), nil
}

// submit posts the command to the provider's run-command API.
func (c *CloudRunCommandConnector) submit(ctx context.Context, command string, config *ConnectionConfig) (*runCommandOperation, error, error) {
	body, err := json.Marshal(runCommandSubmission{
		Provider:   config.Provider,
		ResourceID: config.ResourceID,
		VMName:     config.VMName,
		Command:    command,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode submission: %w", err)
	}
	return c.call(ctx, http.MethodPost, config, config.Endpoint+"/run-command", body)
}

// poll fetches the operation state.
func (c *CloudRunCommandConnector) poll(ctx context.Context, config *ConnectionConfig, operationID string) (*runCommandOperation, error, error) {
	return c.call(ctx, http.MethodGet, config, config.Endpoint+"/run-command/"+operationID, nil)
}

// call performs one API request. The second return value reports
// connection-class failures; the third reports connector-internal faults.
func (c *CloudRunCommandConnector) call(ctx context.Context, method string, config *ConnectionConfig, url string, body []byte) (*runCommandOperation, error, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run-command API unreachable: %w", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("run-command API rejected credentials: %s", resp.Status), nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("run-command API error: %s", resp.Status), nil
	}

	var op runCommandOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, fmt.Errorf("malformed run-command response: %w", err), nil
	}
	return &op, nil, nil
}
