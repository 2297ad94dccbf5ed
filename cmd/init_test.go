package cmd

import (
	"bytes"
	"github.com/Lalalavicious/discord-bot/discordbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("DB_DATABASE_TYPE", "sqlite")
	t.Setenv("DB_DATABASE", dbPath)

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

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Commission messages tracked: 0")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&discordbot.MessageBinding{}))
	assert.True(t, mg.HasTable(&discordbot.CommissionEvent{}))
}
