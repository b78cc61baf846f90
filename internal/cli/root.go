package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	daemonAddr string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "boardflow",
	Short: "boardflow — Copilot pipeline orchestration for GitHub issues",
	Long: `boardflow tracks GitHub issues assigned to a coding agent, detects when the
agent finishes (or stalls), and moves each issue through the board pipeline:
ready -> in_progress -> in_review -> done.

Run "boardflow serve" to start the daemon; the other commands talk to it over
its HTTP API.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to boardflow config file")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon address (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(untrackCmd)
	rootCmd.AddCommand(assignCmd)
	rootCmd.AddCommand(reevaluateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
