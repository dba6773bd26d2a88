package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Drop and recreate the database schema",
	Long: `Drop every gsm table and recreate the schema. All synchronized data,
including discarded run tombstones, is lost.`,
	Args: cobra.NoArgs,
	RunE: runInitDB,
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}

func runInitDB(cmd *cobra.Command, args []string) error {
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

	if err := st.Reset(ctx); err != nil {
		return fmt.Errorf("resetting database: %w", err)
	}

	log.WithField("driver", cfg.Database.Driver).Info("Database initialized")

	return nil
}
