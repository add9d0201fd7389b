package commands

import (
	"github.com/spf13/cobra"

	"github.com/stiwari2004/bot-sub000/pkg/config"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDaemon()
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
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
			logger.Info().Str("path", cfg.DatabasePath).Msg("migrations applied")
			return nil
		},
	}
}
