package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/stiwari2004/bot-sub000/pkg/api"
	"github.com/stiwari2004/bot-sub000/pkg/config"
	"github.com/stiwari2004/bot-sub000/pkg/credentials"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/idempotency"
	"github.com/stiwari2004/bot-sub000/pkg/orchestrator"
	"github.com/stiwari2004/bot-sub000/pkg/policy"
	"github.com/stiwari2004/bot-sub000/pkg/rules"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane API and event projector",
		Long: `Start the HTTP API, apply pending database migrations, and consume
the worker event stream until interrupted. Configuration comes from
REMEDY_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadDaemon()
	if err != nil {
		return err
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

	broker := streams.NewBroker(store, logger, streams.WithPollInterval(cfg.StreamPollInterval))
	idem := idempotency.NewManager(store, logger)

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if cfg.PolicyDir != "" {
		if err := policies.LoadDir(ctx, cfg.PolicyDir); err != nil {
			return err
		}
	}

	resolver := credentials.NewResolver(credentials.NewEnvSource(""), logger)
	ruleEngine := rules.NewEngine(logger)
	metrics := telemetry.NewMetrics(cfg.MetricsNamespace)

	// Steps run on workers, so the engine gets no inline executor.
	eng := engine.New(store, nil, orchestrator.NewStorePublisher(store, logger), logger,
		engine.WithDeferredExecution(),
		engine.WithStepTimeout(cfg.StepTimeout),
	)
	orch := orchestrator.New(eng, store, broker, idem, policies, resolver, ruleEngine, logger)
	eng.SetRemoteRollback(orch.RemoteRollbacker())

	projector := orchestrator.NewProjector(eng, store, broker, metrics, logger)
	redeliverer := orchestrator.NewRedeliverer(orch, store, orchestrator.RedeliveryConfig{
		AckDeadline: cfg.AssignmentAckDeadline,
		Interval:    cfg.RedeliveryInterval,
		MaxRetries:  cfg.MaxAssignmentRetries,
	}, logger)
	server := api.NewServer(orch, eng, store, projector, metrics, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- projector.Run(runCtx)
	}()
	go func() {
		errCh <- redeliverer.Run(runCtx)
	}()
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	logger.Info().Msg("control plane stopped")
	return runErr
}
