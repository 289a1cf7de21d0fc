package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qms/dispatch-service/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrate("up"),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE:  runMigrate("down"),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runMigrate("status"),
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrate(direction string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		logger = logger.Named("migrate")

		pool, err := connectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		migrator, err := postgres.NewMigrator(pool)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer func() { _ = migrator.Close() }()

		switch direction {
		case "up":
			applied, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			logger.Info("migrate up: ok", zap.Int("applied", applied))
		case "down":
			version, err := migrator.Down(ctx)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			logger.Info("migrate down: ok", zap.Int64("rolled_back", version))
		case "status":
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, st := range statuses {
				state := "pending"
				if st.Applied {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%05d  %-8s  %s\n", st.Version, state, st.Path)
			}
		}
		return nil
	}
}
