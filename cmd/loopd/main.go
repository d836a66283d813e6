package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/loopd/internal/config"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

var homeFlag string

var rootCmd = &cobra.Command{
	Use:   "loopd",
	Short: "Daemon event ingestion and delivery loop coordination",
	Long: `loopd accepts terminal events from sandbox daemons, claims each event
exactly once, and drives delivery loops from the committed signals.

ENVIRONMENT VARIABLES:
  LOOPD_HOME                 Data directory (default: ~/.loopd)
  LOOPD_BIND_ADDR            Listen address (default: ` + config.DefaultBindAddr + `)
  LOOPD_CAPABILITY_POLICY    enrollment or strict
  LOOPD_OPERATOR_KEY         Operator API key
  GITHUB_TOKEN               Enables PR label publication`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "loopd version %s\n", Version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "data directory (overrides LOOPD_HOME)")
	rootCmd.AddCommand(versionCmd)
}

// homeDir resolves --home, then LOOPD_HOME, then ~/.loopd.
func homeDir() string {
	if h := strings.TrimSpace(homeFlag); h != "" {
		return h
	}
	return config.HomeDir()
}

func loadConfig() (config.Config, error) {
	return config.LoadFrom(homeDir())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
