// Package main implements remedy-worker, the remediation execution agent.
// Workers consume assignments from the shared stream log, execute runbook
// steps against their reachable targets, and report results as events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stiwari2004/bot-sub000/pkg/config"
	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/idempotency"
	"github.com/stiwari2004/bot-sub000/pkg/rules"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
	"github.com/stiwari2004/bot-sub000/pkg/worker"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	rootCmd := &cobra.Command{
		Use:   "remedy-worker",
		Short: "Remedy - remediation execution worker",
		Long: `Remedy-worker executes remediation steps assigned by remedyd. It
consumes assignment and command streams from the shared SQLite database,
runs each step through the connector matching the session's transport,
and reports results back on the event stream.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "remedy-worker: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to derive worker id from hostname: %w", err)
		}
		cfg.WorkerID = hostname
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DatabasePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	broker := streams.NewBroker(store, logger)
	idem := idempotency.NewManager(store, logger)
	ruleEngine := rules.NewEngine(logger)
	clusters := connectors.NewClusterSessionCache(cfg.ClusterSessionTTL, logger)

	registry, err := buildRegistry(cfg.Capabilities, clusters, logger)
	if err != nil {
		return err
	}

	service := worker.New(worker.Config{
		ID:                cfg.WorkerID,
		Capabilities:      cfg.Capabilities,
		NetworkSegment:    cfg.NetworkSegment,
		MaxConcurrency:    cfg.MaxConcurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StepTimeout:       cfg.StepTimeout,
	}, store, broker, registry, clusters, ruleEngine, idem, logger)

	return service.Run(ctx)
}

// buildRegistry registers a connector for each configured capability.
func buildRegistry(capabilities []string, clusters *connectors.ClusterSessionCache, logger zerolog.Logger) (*connectors.Registry, error) {
	policy := connectors.DefaultRetryPolicy
	client := &http.Client{Timeout: 30 * time.Second}

	registry := connectors.NewRegistry()
	for _, capability := range capabilities {
		switch capability {
		case "ssh":
			registry.Register(connectors.NewSSHConnector(policy, logger))
		case "remote_shell":
			registry.Register(connectors.NewRemoteShellConnector(policy, client, logger))
		case "http_call":
			registry.Register(connectors.NewHTTPCallConnector(policy, client, logger))
		case "sql_query":
			registry.Register(connectors.NewSQLQueryConnector(policy, logger))
		case "cloud_run_command":
			registry.Register(connectors.NewCloudRunCommandConnector(policy, client, logger))
		case "network_device":
			registry.Register(connectors.NewNetworkDeviceConnector(policy, clusters, logger))
		default:
			return nil, fmt.Errorf("unknown capability %q", capability)
		}
	}
	return registry, nil
}
