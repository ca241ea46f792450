package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func resolveDBURL() (string, error) {
	if dbURL != "" {
		return dbURL, nil
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.DatabaseURL, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	url, err := resolveDBURL()
	if err != nil {
		return err
	}
	database, err := db.Open(url)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := db.MigrateUp(database); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	url, err := resolveDBURL()
	if err != nil {
		return err
	}
	database, err := db.Open(url)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(database)
	if err != nil {
		return fmt.Errorf("failed to check status: %w", err)
	}

	for _, s := range statuses {
		state := "pending"
		if s.Applied && s.AppliedAt != nil {
			state = fmt.Sprintf("applied %s (%dms)", s.AppliedAt.Format("2006-01-02 15:04:05"), s.ExecutionMs)
		} else if s.Applied {
			state = "applied"
		}
		fmt.Printf("%-40s %s\n", s.ID, state)
	}
	return nil
}
