package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "eventbus",
	Short: "Durable multi-tenant event bus",
	Long:  `Event bus service providing a durable partitioned event log, pattern-based subscriptions, retries with dead-lettering and point-in-time replay`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "directory to search for config.yaml")
}
