package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// HTTPCallConnector issues HTTP requests against a service endpoint,
// typically health checks or admin operations on the affected service.
// The command is either a bare path ("GET /healthz" style) or a JSON
// object describing method, path, headers and body.
type HTTPCallConnector struct {
	policy RetryPolicy
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPCallConnector creates an HTTP call connector.
func NewHTTPCallConnector(policy RetryPolicy, client *http.Client, logger zerolog.Logger) *HTTPCallConnector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCallConnector{
		policy: policy,
		client: client,
		logger: logger.With().Str("connector", "http_call").Logger(),
	}
}

// Name implements the Connector interface.
func (c *HTTPCallConnector) Name() string {
	return "http_call"
}

type httpCallSpec struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// parseCommand accepts either "METHOD /path" shorthand or a JSON spec.
func parseCommand(command string) (*httpCallSpec, error) {
	trimmed := strings.TrimSpace(command)
	if strings.HasPrefix(trimmed, "{") {
		var spec httpCallSpec
		if err := json.Unmarshal([]byte(trimmed), &spec); err != nil {
			return nil, fmt.Errorf("failed to parse http call spec: %w", err)
		}
		if spec.Method == "" {
			spec.Method = http.MethodGet
		}
		return &spec, nil
	}

	parts := strings.Fields(trimmed)
	switch len(parts) {
	case 1:
		return &httpCallSpec{Method: http.MethodGet, Path: parts[0]}, nil
	case 2:
		return &httpCallSpec{Method: strings.ToUpper(parts[0]), Path: parts[1]}, nil
	default:
		return nil, fmt.Errorf("invalid http call command %q, want \"METHOD /path\" or a JSON spec", command)
	}
}

// Execute implements the Connector interface. Transport failures and
// auth rejections are connection errors; 4xx/5xx responses the service
// itself produced are command failures carrying the status code.
func (c *HTTPCallConnector) Execute(ctx context.Context, command string, config *ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	if err := validateTarget(config, "endpoint"); err != nil {
		return nil, err
	}
	spec, err := parseCommand(command)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	return withRetry(ctx, c.policy, func(attempt int) (*engine.CommandResult, error) {
		return c.executeOnce(ctx, spec, config, timeout, attempt, started)
	})
}

func (c *HTTPCallConnector) executeOnce(ctx context.Context, spec *httpCallSpec, config *ConnectionConfig, timeout time.Duration, attempt int, started time.Time) (*engine.CommandResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(config.Endpoint, "/") + "/" + strings.TrimLeft(spec.Path, "/")
	req, err := http.NewRequestWithContext(reqCtx, spec.Method, url, strings.NewReader(spec.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if config.Token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return connectionFailure(fmt.Errorf("request failed: %w", err), attempt+1, started), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return connectionFailure(fmt.Errorf("failed to read response: %w", err), attempt+1, started), nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return connectionFailure(fmt.Errorf("endpoint rejected credentials: %s", resp.Status), attempt+1, started), nil
	}
	if resp.StatusCode >= 400 {
		// The service answered; the operation itself failed.
		return commandFailure(resp.StatusCode, string(body), resp.Status, attempt+1, started), nil
	}
	return commandSuccess(string(body), attempt+1, started), nil
}
