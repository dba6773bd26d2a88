package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gitlab-students-monitor/gsm/pkg/store"
)

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account ID",
	Short: "Delete an account and everything it owns",
	Long: `Delete one account together with its submissions, runs and run steps.
The account is recreated by the next accounts sync if it still exists
upstream.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteAccount,
}

func init() {
	rootCmd.AddCommand(deleteAccountCmd)
}

func runDeleteAccount(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid account id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	if err := st.DeleteAccount(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("account %d does not exist", id)
		}

		return fmt.Errorf("deleting account: %w", err)
	}

	log.WithField("account_id", id).Info("Account deleted")

	return nil
}
