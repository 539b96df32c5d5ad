package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	httphandler "github.com/ericfisherdev/cgmlink/internal/adapter/driving/http"
	"github.com/ericfisherdev/cgmlink/internal/config"
)

type tokenOptions struct {
	userID string
	email  string
	ttl    time.Duration
}

func newTokenCmd() *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a user",
		Long: "Mint an HS256 bearer token signed with CGMLINK_JWT_SECRET.\n" +
			"Intended for development and operator access; production callers obtain tokens from the identity provider.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.userID == "" {
				return errors.New("--user is required")
			}
			if opts.ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", opts.ttl)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			auth, err := httphandler.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
			if err != nil {
				return fmt.Errorf("CGMLINK_JWT_SECRET: %w", err)
			}

			signed, err := auth.Sign(opts.userID, opts.email, opts.ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "", "User ID placed in the sub claim (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
