package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	pg, err := openStore(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	if err := store.Migrate(pg.DB().DB); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	steps, _ := cmd.Flags().GetInt("steps")
	if steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}

	pg, err := openStore(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	if err := store.MigrateDown(pg.DB().DB, steps); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
	return nil
}
