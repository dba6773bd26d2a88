package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/registry"
	"github.com/gitlab-students-monitor/gsm/pkg/syncer"
)

var exercisesLocation string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize entities from GitLab",
	Long: `Synchronize one entity kind from GitLab into the store. Stages depend on
each other in the order accounts, exercises, submissions, runs, run-steps;
every stage is idempotent and safe to re-run.`,
}

var syncAccountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Synchronize accounts from the sub-groups of the course group",
	Args:  cobra.NoArgs,
	RunE: syncStage(func(ctx context.Context, s syncer.Syncer, _ *config.Config) ([]*syncer.Result, error) {
		return single(s.SyncAccounts(ctx))
	}),
}

var syncExercisesCmd = &cobra.Command{
	Use:   "exercises [PATH]",
	Short: "Synchronize exercises from a registry listing",
	Long: `Synchronize exercises from a registry: a local directory whose
sub-directories are exercise names, or s3://bucket/prefix. Defaults to
sync.exercises from the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			exercisesLocation = args[0]
		}

		return syncStage(func(ctx context.Context, s syncer.Syncer, cfg *config.Config) ([]*syncer.Result, error) {
			reg, err := openRegistry(cfg, true)
			if err != nil {
				return nil, err
			}

			return single(s.SyncExercises(ctx, reg))
		})(cmd, args)
	},
}

var syncSubmissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "Synchronize submissions from account repositories",
	Args:  cobra.NoArgs,
	RunE: syncStage(func(ctx context.Context, s syncer.Syncer, _ *config.Config) ([]*syncer.Result, error) {
		return single(s.SyncSubmissions(ctx))
	}),
}

var syncRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Synchronize runs from submission pipelines",
	Args:  cobra.NoArgs,
	RunE: syncStage(func(ctx context.Context, s syncer.Syncer, _ *config.Config) ([]*syncer.Result, error) {
		return single(s.SyncRuns(ctx))
	}),
}

var syncRunStepsCmd = &cobra.Command{
	Use:   "run-steps",
	Short: "Synchronize run steps from run jobs",
	Args:  cobra.NoArgs,
	RunE: syncStage(func(ctx context.Context, s syncer.Syncer, _ *config.Config) ([]*syncer.Result, error) {
		return single(s.SyncRunSteps(ctx))
	}),
}

var syncAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every stage in dependency order",
	Long: `Run every stage in dependency order, stopping at the first fatal error.
The exercises stage runs only when a registry is given with --exercises or
sync.exercises.`,
	Args: cobra.NoArgs,
	RunE: syncStage(func(ctx context.Context, s syncer.Syncer, cfg *config.Config) ([]*syncer.Result, error) {
		reg, err := openRegistry(cfg, false)
		if err != nil {
			return nil, err
		}

		return s.SyncAll(ctx, reg)
	}),
}

func init() {
	syncAllCmd.Flags().StringVar(&exercisesLocation, "exercises", "",
		"exercise registry (directory or s3://bucket/prefix)")

	syncCmd.AddCommand(
		syncAccountsCmd,
		syncExercisesCmd,
		syncSubmissionsCmd,
		syncRunsCmd,
		syncRunStepsCmd,
		syncAllCmd,
	)

	rootCmd.AddCommand(syncCmd)
}

type stageFunc func(ctx context.Context, s syncer.Syncer, cfg *config.Config) ([]*syncer.Result, error)

// syncStage wires config, store and syncer around one stage invocation and
// logs what each committed stage changed.
func syncStage(fn stageFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
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

		s, err := newSyncer(cfg, st)
		if err != nil {
			return err
		}

		results, err := fn(ctx, s, cfg)

		for _, result := range results {
			logResult(result)
		}

		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		return nil
	}
}

// openRegistry opens the registry named on the command line or in the
// config. Without a location it fails when required and returns nil
// otherwise.
func openRegistry(cfg *config.Config, required bool) (registry.Registry, error) {
	location := exercisesLocation
	if location == "" {
		location = cfg.Sync.Exercises
	}

	if location == "" {
		if required {
			return nil, fmt.Errorf("exercise registry is required (PATH argument or sync.exercises)")
		}

		return nil, nil
	}

	reg, err := registry.Open(location, &cfg.Registry.S3)
	if err != nil {
		return nil, fmt.Errorf("opening exercise registry: %w", err)
	}

	return reg, nil
}

func single(result *syncer.Result, err error) ([]*syncer.Result, error) {
	if result == nil {
		return nil, err
	}

	return []*syncer.Result{result}, err
}

func logResult(result *syncer.Result) {
	entry := log.WithFields(logrus.Fields{
		"stage":     result.Stage,
		"added":     len(result.Added),
		"updated":   len(result.Updated),
		"discarded": len(result.Discarded),
		"skipped":   len(result.Skipped),
	})

	if result.Empty() {
		entry.Info("Stage complete, nothing changed")

		return
	}

	if len(result.Added) > 0 {
		entry = entry.WithField("added_ids", result.Added)
	}

	if len(result.Updated) > 0 {
		entry = entry.WithField("updated_ids", result.Updated)
	}

	if len(result.Skipped) > 0 {
		entry = entry.WithField("skipped_ids", result.Skipped)
	}

	entry.Info("Stage complete")
}
