package main

import (
	"fmt"
	"net/http"

	"github.com/basket/loopd/internal/daemontoken"
	"github.com/spf13/cobra"
)

var keygenID string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a daemon token signing key",
	Long: `Generate an Ed25519 signing key under <home>/keys. Point
auth.active_key_id at the new id to rotate; tokens signed by older keys
keep verifying while their key file stays in place.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		id := keygenID
		if id == "" {
			id = cfg.Auth.ActiveKeyID
		}
		if _, err := daemontoken.GenerateKey(cfg.KeysDir(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "generated %s\n", daemontoken.KeyPath(cfg.KeysDir(), id))
		return nil
	},
}

var mintReq struct {
	RunID        string
	UserID       string
	ThreadID     string
	ThreadChatID string
	SandboxID    string
	Agent        string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage daemon tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Register a run on the daemon and mint its token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		body := map[string]any{
			"userId":   mintReq.UserID,
			"threadId": mintReq.ThreadID,
			"agent":    mintReq.Agent,
		}
		for k, v := range map[string]string{"runId": mintReq.RunID, "threadChatId": mintReq.ThreadChatID, "sandboxId": mintReq.SandboxID} {
			if v != "" {
				body[k] = v
			}
		}
		out, err := callAPI(cmd.Context(), cfg, http.MethodPost, "/api/runs", body)
		if err != nil {
			return err
		}
		writeIndented(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenID, "id", "", "key id (default: auth.active_key_id)")

	f := tokenMintCmd.Flags()
	f.StringVar(&mintReq.RunID, "run-id", "", "run id (generated when empty)")
	f.StringVar(&mintReq.UserID, "user-id", "", "user the run acts for")
	f.StringVar(&mintReq.ThreadID, "thread-id", "", "thread the run belongs to")
	f.StringVar(&mintReq.ThreadChatID, "thread-chat-id", "", "thread chat id")
	f.StringVar(&mintReq.SandboxID, "sandbox-id", "", "sandbox id")
	f.StringVar(&mintReq.Agent, "agent", "", "agent name")
	_ = tokenMintCmd.MarkFlagRequired("user-id")
	_ = tokenMintCmd.MarkFlagRequired("thread-id")
	_ = tokenMintCmd.MarkFlagRequired("agent")

	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(keygenCmd, tokenCmd)
}
