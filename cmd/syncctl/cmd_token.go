package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a member",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("org", "", "Organization id")
	tokenCmd.Flags().String("member", "", "Member id")
	tokenCmd.Flags().StringSlice("scope", nil, "Scopes to grant")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default JWT_EXPIRATION)")
	_ = tokenCmd.MarkFlagRequired("org")
	_ = tokenCmd.MarkFlagRequired("member")
}

func runToken(cmd *cobra.Command, _ []string) error {
	organizationID, _ := cmd.Flags().GetString("org")
	memberID, _ := cmd.Flags().GetString("member")
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg := config.Load()
	if ttl <= 0 {
		ttl = cfg.JWTExpiration
	}
	token, err := middleware.IssueToken(cfg.JWTSecret, organizationID, memberID, scopes, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	if ttl > 24*time.Hour {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: long-lived token")
	}
	return nil
}
