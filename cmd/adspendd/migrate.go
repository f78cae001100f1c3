package main

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/adspend/internal/config"
	"github.com/MarkoPoloResearchLab/adspend/internal/logging"
	"github.com/MarkoPoloResearchLab/adspend/internal/store/gormstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg)
		},
	}
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("driver", driver))
	return nil
}
