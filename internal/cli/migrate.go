package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgcall/pgcall/internal/config"
	"github.com/pgcall/pgcall/internal/migrations"
	"github.com/pgcall/pgcall/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage pgcall's own system migrations",
	Long: `Bootstrap and apply pgcall's embedded system migrations. These
create the bookkeeping tables pgcall needs and are unrelated to the
caller's own stored-procedure catalog, which pgcall never migrates.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending system migrations",
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system migration status",
	RunE:  runMigrateStatus,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	for _, cmd := range []*cobra.Command{migrateUpCmd, migrateStatusCmd} {
		cmd.Flags().String("config", "", "Path to pgcall.toml config file")
		cmd.Flags().String("database-url", "", "PostgreSQL connection URL (overrides config)")
	}
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadMigrateConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, cleanup, err := connectForMigrate(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := migrations.NewRunner(pool.DB(), logger)
	ctx := context.Background()

	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping: %w", err)
	}

	applied, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	if applied == 0 {
		fmt.Println("No pending migrations.")
	} else {
		fmt.Printf("Applied %d migration(s).\n", applied)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadMigrateConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, cleanup, err := connectForMigrate(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := migrations.NewRunner(pool.DB(), logger)
	ctx := context.Background()

	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping: %w", err)
	}

	applied, err := runner.GetApplied(ctx)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}

	if len(applied) == 0 {
		fmt.Println("No system migrations applied yet.")
		return nil
	}

	fmt.Printf("%-50s  %s\n", "MIGRATION", "APPLIED AT")
	fmt.Printf("%-50s  %s\n", "---------", "----------")
	for _, m := range applied {
		fmt.Printf("%-50s  %s\n", m.Name, m.AppliedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func loadMigrateConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func connectForMigrate(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*postgres.Pool, func(), error) {
	dbURL := cfg.Database.URL
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		dbURL = v
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("no database URL configured (set database.url in pgcall.toml, PGCALL_DATABASE_URL env, or --database-url flag)")
	}

	ctx := context.Background()
	pool, err := postgres.New(ctx, postgres.Config{
		URL:             dbURL,
		MaxConns:        5,
		MinConns:        1,
		HealthCheckSecs: 0,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, func() { pool.Close() }, nil
}
