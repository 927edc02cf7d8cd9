package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docchat/internal/auth"
	"docchat/internal/config"
)

func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the privileged routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.TokenTTL())
			token, err := svc.IssueToken(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "token role (admin or user)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.token_ttl_hours")
	return cmd
}
