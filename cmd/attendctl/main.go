// Command attendctl runs schema migrations and issues development access tokens.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"attendguard/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "attendctl",
	Short:         "attendguard operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
