package cmd

import (
	"fmt"
	"github.com/Lalalavicious/discord-bot/discordbot"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := discordbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database, nil)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()

		var bindings int64
		if err = db.WithContext(ctx).Model(&discordbot.MessageBinding{}).Count(&bindings).Error; err != nil {
			log.Fatalf("Error counting message bindings: %v", err)
		}
		fmt.Fprintf(out, "Commission messages tracked: %d\n", bindings)

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
