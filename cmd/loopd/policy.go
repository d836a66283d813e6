package main

import (
	"fmt"

	"github.com/basket/loopd/internal/config"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the daemon capability policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the capability policy in config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CapabilityPolicy())
		return nil
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <enrollment|strict>",
	Short: "Write capability.policy; a running daemon reloads it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetCapabilityPolicy(homeDir(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "capability policy set to %s\n", args[0])
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyShowCmd, policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
