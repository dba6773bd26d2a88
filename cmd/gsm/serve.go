package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gitlab-students-monitor/gsm/pkg/api"
	"github.com/gitlab-students-monitor/gsm/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reporting API",
	Long: `Serve the read-only reporting API. With sync.enabled set, every stage is
also run periodically in the background, one pass at a time.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	var sched scheduler.Scheduler

	if cfg.Sync.Enabled {
		s, err := newSyncer(cfg, st)
		if err != nil {
			return err
		}

		reg, err := openRegistry(cfg, false)
		if err != nil {
			return err
		}

		sched = scheduler.New(log, s, reg, cfg.Sync.Interval)
	}

	srv := api.NewServer(log, cfg, st, sched)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		<-gctx.Done()

		return srv.Stop()
	})

	if sched != nil {
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}

			<-gctx.Done()

			return sched.Stop()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Shut down cleanly")

	return nil
}
