package cmd

import (
	"bytes"
	"github.com/Lalalavicious/discord-bot/discordbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("DB_API_SECRET", "token-test-secret")

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	rootCmd.SetArgs([]string{"token", "--subject", "ops", "--expiry", "2h"})
	require.NoError(t, rootCmd.Execute())

	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	claims, err := discordbot.ValidateAPIToken("token-test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	t.Setenv("DB_API_SECRET", "")

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"token"})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "api secret not set")
}
