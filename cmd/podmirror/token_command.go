package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/middleware"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var subject string
	var scope string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for triggering runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			token, err := middleware.NewAuthenticator(cfg.Server.JWTSecret).GenerateToken(subject, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "podmirror-cli", "Token subject")
	cmd.Flags().StringVar(&scope, "scope", middleware.ScopeRun, "Token scope")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
