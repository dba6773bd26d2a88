package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
	"github.com/gitlab-students-monitor/gsm/pkg/syncer"
	"github.com/gitlab-students-monitor/gsm/pkg/upstream"
)

// loadConfig loads and validates the configuration named by --config. The
// log level from the file applies unless --log-level was given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") {
		if level, err := logrus.ParseLevel(cfg.Global.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}

	return cfg, nil
}

// openStore starts the store described by cfg. The caller stops it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st := store.NewStore(log, &cfg.Database)

	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

// newSyncer wires a Syncer against the configured GitLab instance.
func newSyncer(cfg *config.Config, st store.Store) (syncer.Syncer, error) {
	if err := cfg.ValidateUpstream(); err != nil {
		return nil, fmt.Errorf("validating upstream config: %w", err)
	}

	client, err := upstream.NewGitLab(log, &cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	return syncer.New(log, st, client, &cfg.Sync), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
