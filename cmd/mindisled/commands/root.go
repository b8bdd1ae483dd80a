package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mindisled",
	Short: "Generation stream engine daemon",
	Long: `mindisled is the generation stream engine daemon.

It accepts chat turns, streams model output as a durable per-generation
event log, and serves resumable SSE feeds of those events.

Commands:
  serve     Run the HTTP server
  version   Version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mindisled.yaml", "config file path")
}
