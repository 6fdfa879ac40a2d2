package main

import (
	"fmt"
	"text/tabwriter"

	"credential-custody-service/config"
	"credential-custody-service/internal/domain"
	"credential-custody-service/internal/infra"
	"credential-custody-service/internal/repository"
	"credential-custody-service/internal/usecase"
	"credential-custody-service/migrations"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the credential custody service",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

// newMigrationService は環境変数の設定でDBに接続し、埋め込みSQLを使うMigrationServiceを返す。
func newMigrationService() (*usecase.MigrationService, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), migrations.FS), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := service.ApplyMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := newMigrationService()
			if err != nil {
				return err
			}

			migrations, err := service.GetMigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrations(cmd, migrations)
		},
	}
}

func printMigrations(cmd *cobra.Command, migrations []*domain.Migration) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(w, "-------\t----\t------\t----------")

	for _, migration := range migrations {
		appliedAt := "-"
		if migration.AppliedAt != nil {
			appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, migration.Status, appliedAt)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
