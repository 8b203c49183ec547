package cmd

import (
	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/database"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the event metadata and replay job tables`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	log.Info().Msg("Migrations applied")
	return nil
}
