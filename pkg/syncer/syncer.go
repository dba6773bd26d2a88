// Package syncer is the incremental synchronization engine. Each stage
// pulls one entity kind from upstream, inserts what the store does not
// know yet and commits in a single transaction.
package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/metrics"
	"github.com/gitlab-students-monitor/gsm/pkg/registry"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
	"github.com/gitlab-students-monitor/gsm/pkg/upstream"
)

// Syncer runs the synchronization stages. Stages depend on rows committed
// by the previous ones and must be run in order: accounts, exercises,
// submissions, runs, run steps.
type Syncer interface {
	SyncAccounts(ctx context.Context) (*Result, error)
	SyncExercises(ctx context.Context, reg registry.Registry) (*Result, error)
	SyncSubmissions(ctx context.Context) (*Result, error)
	SyncRuns(ctx context.Context) (*Result, error)
	SyncRunSteps(ctx context.Context) (*Result, error)

	// SyncAll runs every stage in order and stops at the first failure.
	// The exercises stage is skipped when reg is nil. Results of the
	// stages committed before a failure are returned with the error.
	SyncAll(ctx context.Context, reg registry.Registry) ([]*Result, error)
}

// Compile-time interface check.
var _ Syncer = (*syncer)(nil)

type syncer struct {
	log    logrus.FieldLogger
	store  store.Store
	client upstream.Client
	match  string
}

// New creates a Syncer writing to st and reading from client.
func New(
	log logrus.FieldLogger,
	st store.Store,
	client upstream.Client,
	cfg *config.SyncConfig,
) Syncer {
	match := cfg.ExerciseMatch
	if match == "" {
		match = config.MatchExact
	}

	return &syncer{
		log:    log.WithField("component", "syncer"),
		store:  st,
		client: client,
		match:  match,
	}
}

type stageFunc func(
	ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
) error

// runStage runs fn inside one transaction. The result is only returned
// when the transaction committed.
func (s *syncer) runStage(
	ctx context.Context, stage Stage, fn stageFunc,
) (*Result, error) {
	log := s.log.WithFields(logrus.Fields{
		"stage":   stage,
		"sync_id": uuid.NewString(),
	})

	log.Debug("Starting sync stage")

	res := &Result{Stage: stage}
	start := time.Now()

	err := s.store.Transaction(ctx, func(tx store.Tx) error {
		return fn(ctx, tx, log, res)
	})

	metrics.RecordStage(
		string(stage), time.Since(start),
		len(res.Added), len(res.Updated), len(res.Discarded), len(res.Skipped),
		err,
	)

	if err != nil {
		log.WithError(err).Error("Sync stage failed, rolled back")

		return nil, err
	}

	log.WithFields(logrus.Fields{
		"added":     res.Added,
		"updated":   res.Updated,
		"discarded": res.Discarded,
		"skipped":   res.Skipped,
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("Sync stage completed")

	return res, nil
}

func (s *syncer) SyncAll(
	ctx context.Context, reg registry.Registry,
) ([]*Result, error) {
	type step struct {
		stage Stage
		run   func(context.Context) (*Result, error)
	}

	steps := []step{
		{StageAccounts, s.SyncAccounts},
		{StageExercises, func(ctx context.Context) (*Result, error) {
			return s.SyncExercises(ctx, reg)
		}},
		{StageSubmissions, s.SyncSubmissions},
		{StageRuns, s.SyncRuns},
		{StageRunSteps, s.SyncRunSteps},
	}

	results := make([]*Result, 0, len(steps))

	for _, st := range steps {
		if st.stage == StageExercises && reg == nil {
			s.log.Debug("No exercise registry configured, skipping exercises stage")

			continue
		}

		res, err := st.run(ctx)
		if err != nil {
			return results, err
		}

		results = append(results, res)
	}

	return results, nil
}
