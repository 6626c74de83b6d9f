package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "tgrelay",
	Short:         "Telegram bridge for a multi-platform chat relay",
	Long:          "tgrelay connects a Telegram group to the relay bus and forwards traffic between it and the other bridged platforms.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
