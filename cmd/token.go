package cmd

import (
	"errors"
	"fmt"
	"github.com/Lalalavicious/discord-bot/discordbot"
	"github.com/spf13/cobra"
	"time"
)

var (
	tokenSubject string
	tokenExpiry  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a bearer token for the admin API",
	Long: "Generates a signed bearer token for the /api endpoints, using " +
		"DB_API_SECRET as the signing key.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.API.Secret == "" {
			return errors.New("api secret not set (DB_API_SECRET)")
		}
		token, err := discordbot.GenerateAPIToken(
			cfg.API.Secret,
			tokenSubject,
			tokenExpiry,
		)
		if err != nil {
			return fmt.Errorf("error generating token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(
		&tokenSubject,
		"subject",
		"admin",
		"Who the token is issued to",
	)
	tokenCmd.Flags().DurationVar(
		&tokenExpiry,
		"expiry",
		discordbot.DefaultAPITokenExpiry,
		"How long the token is valid for",
	)
	rootCmd.AddCommand(tokenCmd)
}
