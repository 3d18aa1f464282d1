package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sglegalhelp/offlinesync/internal/auth"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage control API tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(a))
	return cmd
}

func newTokenIssueCmd(a *app) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.API.JWTSecret == "" {
				return errs.New(errs.ErrValidation, "api.jwt_secret is required to issue tokens")
			}
			if userID == "" {
				userID = a.cfg.UserID
			}
			if userID == "" {
				return errs.New(errs.ErrValidation, "--user is required")
			}
			if ttl <= 0 {
				ttl = a.cfg.API.TokenTTL
			}
			issuer, err := auth.NewIssuer(a.cfg.API.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"user_id":    userID,
				"expires_in": int64(ttl.Seconds()),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the token is issued for (default: user_id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: api.token_ttl)")
	return cmd
}
