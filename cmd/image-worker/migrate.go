package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/image-job-worker/migrations"
	"github.com/cuongbtq/image-job-worker/shared/postgresql"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd, func(c *dbHandle) error {
				if err := migrations.Up(c.db.DB().DB); err != nil {
					return err
				}
				c.logger.Info("Migrations applied")
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be greater than 0")
			}
			return withDatabase(cmd, func(c *dbHandle) error {
				if err := migrations.Down(c.db.DB().DB, steps); err != nil {
					return err
				}
				c.logger.Info("Migrations rolled back", slog.Int("steps", steps))
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

type dbHandle struct {
	logger *slog.Logger
	db     *postgresql.Client
}

// withDatabase loads the config, connects and runs fn, closing everything
// afterwards.
func withDatabase(cmd *cobra.Command, fn func(*dbHandle) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	dbClient, err := initPostgreSQL(cmd.Context(), &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	return fn(&dbHandle{logger: appLogger.Logger, db: dbClient})
}
