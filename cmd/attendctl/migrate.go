package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"attendguard/internal/store"
)

var steps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or inspect the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(cmd, "up")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all unless --steps is set)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(cmd, "down")
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, dirty, err := store.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (%s)\n", v, state)
		return nil
	},
}

func runMigration(cmd *cobra.Command, direction string) error {
	if err := store.Migrate(cfg.DatabaseURL, direction, steps); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", direction)
	return nil
}

func init() {
	migrateCmd.PersistentFlags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}
