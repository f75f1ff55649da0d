/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Background delivery of calls, messages and speech",
	Long: `Beacon keeps a realtime connection open for the signed-in profile, accepts
push deliveries over HTTP, and turns both into call alerts, notifications and
spoken messages.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
