package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/spec-kit/consultation-sync/internal/api/dto"
	"github.com/spec-kit/consultation-sync/internal/auth"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage service tokens for the internal API",
	}
	var scopes []string
	issue := &cobra.Command{
		Use:   "issue <service>",
		Short: "Issue a signed service token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, args[0], scopes)
		},
	}
	issue.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (default: all)")
	tokenCmd.AddCommand(issue)
	return tokenCmd
}

func runTokenIssue(cmd *cobra.Command, serviceName string, requested []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	granted, err := parseScopes(requested)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTLMinutes)
	token, expiresAt, err := tokens.GenerateToken(serviceName, granted)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(granted))
	for _, s := range granted {
		names = append(names, string(s))
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(dto.AuthResponse{Service: serviceName, Scopes: names, Token: token, ExpiresAt: expiresAt})
}

func parseScopes(requested []string) ([]auth.Scope, error) {
	if len(requested) == 0 {
		return auth.AllScopes, nil
	}
	out := make([]auth.Scope, 0, len(requested))
	for _, r := range requested {
		scope := auth.Scope(r)
		if !slices.Contains(auth.AllScopes, scope) {
			return nil, fmt.Errorf("unknown scope %q", r)
		}
		out = append(out, scope)
	}
	return out, nil
}
