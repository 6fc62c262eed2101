package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyperengineering/tailor/internal/auth"
	"github.com/hyperengineering/tailor/internal/config"
	"github.com/spf13/cobra"
)

var mintTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage custom sign-in tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint <uid>",
	Short: "Print a custom token that signs in as uid",
	Long: "Mint a custom token with the server signing key. Exchanging it at " +
		"/api/v1/auth/custom yields a session for uid, so several clients can share one collection.",
	Args: cobra.ExactArgs(1),
	RunE: runTokenMint,
}

func init() {
	tokenMintCmd.Flags().DurationVar(&mintTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.AddCommand(tokenMintCmd)
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	uid := args[0]
	if strings.TrimSpace(uid) == "" || strings.Contains(uid, "/") {
		return fmt.Errorf("invalid uid %q: must be non-empty and contain no '/'", uid)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DevMode && os.Getenv("TAILOR_SIGNING_KEY") == "" {
		return fmt.Errorf("refusing to mint with a dev signing key; set TAILOR_SIGNING_KEY")
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.SigningKey),
		time.Duration(cfg.Auth.TokenTTL), time.Duration(cfg.Auth.RefreshTTL))
	if err != nil {
		return err
	}
	token, err := issuer.MintCustomToken(uid, mintTTL)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
