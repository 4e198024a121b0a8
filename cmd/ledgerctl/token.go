package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/xenking/payledger/internal/handler"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		secret string
		issuer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Sign a bearer token for a seller or customer id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("LEDGER_AUTH_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or LEDGER_AUTH_JWT_SECRET is required")
			}

			auth := handler.NewAuthenticator(handler.AuthConfig{Secret: []byte(secret), Issuer: issuer})
			token, err := auth.Issue(args[0], ttl)
			if err != nil {
				return errors.Wrap(err, "issue token")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (or LEDGER_AUTH_JWT_SECRET env)")
	cmd.Flags().StringVar(&issuer, "issuer", "payledger", "token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
