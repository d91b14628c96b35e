package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bavix/nestbridge/internal/auth"
	"github.com/bavix/nestbridge/internal/config"
)

var errJWTSecretUnset = errors.New("http.jwt_secret is not set")

var (
	tokenRole    string        //nolint:gochecknoglobals // cobra command flag
	tokenSubject string        //nolint:gochecknoglobals // cobra command flag
	tokenTTL     time.Duration //nolint:gochecknoglobals // cobra command flag
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if cfg.HTTP.JWTSecret == "" {
				return errJWTSecretUnset
			}

			v, err := auth.NewVerifier(cfg.HTTP.JWTSecret)
			if err != nil {
				return err
			}

			signed, err := v.Issue(tokenSubject, auth.GetRole(tokenRole), tokenTTL)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), signed)

			return nil
		},
	}
	cmd.Flags().StringVar(&tokenRole, "role", "viewer", "Role: admin, viewer")
	cmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
