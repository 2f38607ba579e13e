package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"attendguard/internal/auth"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:     "issue <subject>",
	Short:   "Issue a signed access token for a user",
	Example: "  attendctl token issue prof-17 --role professor --ttl 8h",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, exp, err := auth.Issue(args[0], auth.Role(tokenRole), cfg.JWTIssuer, cfg.JWTSigningKey, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleStudent), "student, professor or admin")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
}
