package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gitlab-students-monitor/gsm/pkg/registry"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
	"github.com/gitlab-students-monitor/gsm/pkg/upstream"
)

// SyncAccounts inserts every upstream account not stored yet.
func (s *syncer) SyncAccounts(ctx context.Context) (*Result, error) {
	return s.runStage(ctx, StageAccounts, func(
		ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
	) error {
		ids, err := tx.KnownIDs(ctx, store.KindAccount)
		if err != nil {
			return unitError(StageAccounts, "", err)
		}

		known := newKnownSet(ids)

		accounts, err := s.client.ListAccounts(ctx)
		if err != nil {
			return unitError(StageAccounts, "group", err)
		}

		for _, a := range accounts {
			if known.Has(a.ID) {
				continue
			}

			if err := tx.CreateAccount(ctx, &store.Account{
				ID:        a.ID,
				Name:      a.Name,
				CreatedAt: a.CreatedAt,
			}); err != nil {
				return unitError(StageAccounts, fmt.Sprintf("account %d", a.ID), err)
			}

			known.Add(a.ID)
			res.Added = append(res.Added, a.ID)

			log.WithFields(logrus.Fields{
				"account_id": a.ID,
				"account":    a.Name,
			}).Debug("Added account")
		}

		return nil
	})
}

// SyncExercises inserts every registry name not stored yet.
func (s *syncer) SyncExercises(
	ctx context.Context, reg registry.Registry,
) (*Result, error) {
	return s.runStage(ctx, StageExercises, func(
		ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
	) error {
		if reg == nil {
			return unitError(StageExercises, "", fmt.Errorf("no exercise registry given"))
		}

		byName, err := tx.ExerciseIDsByName(ctx)
		if err != nil {
			return unitError(StageExercises, "", err)
		}

		names, err := reg.Names(ctx)
		if err != nil {
			return unitError(StageExercises, "registry "+reg.Location(), err)
		}

		for _, name := range names {
			if _, ok := byName[name]; ok {
				continue
			}

			exercise := &store.Exercise{Name: name}
			if err := tx.CreateExercise(ctx, exercise); err != nil {
				return unitError(StageExercises, fmt.Sprintf("exercise %q", name), err)
			}

			byName[name] = exercise.ID
			res.Added = append(res.Added, exercise.ID)

			log.WithField("exercise", name).Info("Added exercise")
		}

		return nil
	})
}

// SyncSubmissions inserts the repositories of every stored account that
// match an exercise and refreshes the last activity of known ones.
func (s *syncer) SyncSubmissions(ctx context.Context) (*Result, error) {
	return s.runStage(ctx, StageSubmissions, func(
		ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
	) error {
		accounts, err := tx.ListAccounts(ctx)
		if err != nil {
			return unitError(StageSubmissions, "", err)
		}

		exercises, err := tx.ExerciseIDsByName(ctx)
		if err != nil {
			return unitError(StageSubmissions, "", err)
		}

		// Known submission ids with their stored last activity.
		activity, err := tx.SubmissionActivity(ctx)
		if err != nil {
			return unitError(StageSubmissions, "", err)
		}

		for _, account := range accounts {
			unit := fmt.Sprintf("account %d", account.ID)

			repos, err := s.client.ListRepositories(ctx, account.ID)
			if err != nil {
				if upstream.IsTransient(err) {
					log.WithError(err).
						WithField("account_id", account.ID).
						Warn("Failed to list repositories, skipping account")

					res.Skipped = append(res.Skipped, account.ID)

					continue
				}

				return unitError(StageSubmissions, unit, err)
			}

			for _, repo := range repos {
				if last, ok := activity[repo.ID]; ok {
					if sameTime(last, repo.LastActivityAt) {
						continue
					}

					if err := tx.UpdateSubmissionLastActivity(
						ctx, repo.ID, repo.LastActivityAt,
					); err != nil {
						return unitError(StageSubmissions,
							fmt.Sprintf("submission %d", repo.ID), err)
					}

					activity[repo.ID] = repo.LastActivityAt
					res.Updated = append(res.Updated, repo.ID)

					continue
				}

				name, ok := exerciseName(s.match, account.Name, repo.Name)
				if !ok {
					continue
				}

				exerciseID, ok := exercises[name]
				if !ok {
					log.WithFields(logrus.Fields{
						"account":    account.Name,
						"repository": repo.Name,
					}).Debug("Repository matches no exercise")

					continue
				}

				if err := tx.CreateSubmission(ctx, &store.Submission{
					ID:             repo.ID,
					ExerciseID:     exerciseID,
					AccountID:      account.ID,
					CreatedAt:      repo.CreatedAt,
					LastActivityAt: repo.LastActivityAt,
				}); err != nil {
					return unitError(StageSubmissions,
						fmt.Sprintf("submission %d", repo.ID), err)
				}

				activity[repo.ID] = repo.LastActivityAt
				res.Added = append(res.Added, repo.ID)
			}
		}

		return nil
	})
}

// SyncRuns fetches every pipeline of every stored submission that is
// neither a Run nor a DiscardedRun yet. Pipelines triggered by someone
// other than the account holder are tombstoned; pipelines that have not
// finished are left for a later sync.
func (s *syncer) SyncRuns(ctx context.Context) (*Result, error) {
	return s.runStage(ctx, StageRuns, func(
		ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
	) error {
		runIDs, err := tx.KnownIDs(ctx, store.KindRun)
		if err != nil {
			return unitError(StageRuns, "", err)
		}

		discardedIDs, err := tx.KnownIDs(ctx, store.KindDiscardedRun)
		if err != nil {
			return unitError(StageRuns, "", err)
		}

		known := newKnownSet(runIDs, discardedIDs)

		owners, err := tx.ListSubmissionOwners(ctx)
		if err != nil {
			return unitError(StageRuns, "", err)
		}

		for _, owner := range owners {
			refs, err := s.client.ListRuns(ctx, owner.SubmissionID)
			if err != nil {
				if upstream.IsTransient(err) {
					log.WithError(err).
						WithField("submission_id", owner.SubmissionID).
						Warn("Failed to list pipelines, skipping submission")

					res.Skipped = append(res.Skipped, owner.SubmissionID)

					continue
				}

				return unitError(StageRuns,
					fmt.Sprintf("submission %d", owner.SubmissionID), err)
			}

			for _, ref := range refs {
				if known.Has(ref.ID) {
					continue
				}

				if err := s.admitRun(ctx, tx, log, res, known, owner, ref.ID); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func (s *syncer) admitRun(
	ctx context.Context,
	tx store.Tx,
	log logrus.FieldLogger,
	res *Result,
	known *knownSet,
	owner store.SubmissionOwner,
	runID int64,
) error {
	unit := fmt.Sprintf("run %d", runID)
	log = log.WithFields(logrus.Fields{
		"submission_id": owner.SubmissionID,
		"run_id":        runID,
	})

	detail, err := s.client.GetRun(ctx, owner.SubmissionID, runID)
	if err != nil {
		return s.skipOrFail(log, res, StageRuns, unit, runID, err)
	}

	if !Owns(owner.AccountName, detail.Actor) {
		if err := tx.CreateDiscardedRun(ctx, runID); err != nil {
			return unitError(StageRuns, unit, err)
		}

		known.Add(runID)
		res.Discarded = append(res.Discarded, runID)

		log.WithFields(logrus.Fields{
			"account": owner.AccountName,
			"actor":   detail.Actor,
		}).Info("Discarded pipeline not triggered by account holder")

		return nil
	}

	if !accepted(detail.Status) {
		log.WithField("status", detail.Status).
			Debug("Pipeline not finished, leaving for next sync")

		return nil
	}

	summary, err := s.client.GetTestSummary(ctx, owner.SubmissionID, runID)
	if err != nil {
		return s.skipOrFail(log, res, StageRuns, unit, runID, err)
	}

	if err := tx.CreateRun(ctx, &store.Run{
		ID:             runID,
		SubmissionID:   owner.SubmissionID,
		Status:         detail.Status,
		CreatedAt:      detail.CreatedAt,
		Revision:       detail.Revision,
		SummaryCount:   summary.Count,
		SummarySuccess: summary.Success,
		SummaryFailed:  summary.Failed,
		SummarySkipped: summary.Skipped,
		SummaryError:   summary.Error,
	}); err != nil {
		return unitError(StageRuns, unit, err)
	}

	known.Add(runID)
	res.Added = append(res.Added, runID)

	return nil
}

// SyncRunSteps inserts the jobs of every stored run that were triggered
// by the account holder. Other jobs are dropped without a tombstone.
func (s *syncer) SyncRunSteps(ctx context.Context) (*Result, error) {
	return s.runStage(ctx, StageRunSteps, func(
		ctx context.Context, tx store.Tx, log logrus.FieldLogger, res *Result,
	) error {
		ids, err := tx.KnownIDs(ctx, store.KindRunStep)
		if err != nil {
			return unitError(StageRunSteps, "", err)
		}

		known := newKnownSet(ids)

		owners, err := tx.ListRunOwners(ctx)
		if err != nil {
			return unitError(StageRunSteps, "", err)
		}

		for _, owner := range owners {
			unit := fmt.Sprintf("run %d", owner.RunID)

			steps, err := s.client.ListRunSteps(ctx, owner.SubmissionID, owner.RunID)
			if err != nil {
				if skipErr := s.skipOrFail(
					log.WithField("run_id", owner.RunID),
					res, StageRunSteps, unit, owner.RunID, err,
				); skipErr != nil {
					return skipErr
				}

				continue
			}

			for _, step := range steps {
				if known.Has(step.ID) || !Owns(owner.AccountName, step.Actor) {
					continue
				}

				if err := tx.CreateRunStep(ctx, &store.RunStep{
					ID:       step.ID,
					RunID:    owner.RunID,
					Status:   step.Status,
					Name:     step.Name,
					Runner:   step.Runner,
					Duration: step.Duration,
				}); err != nil {
					return unitError(StageRunSteps,
						fmt.Sprintf("run step %d", step.ID), err)
				}

				known.Add(step.ID)
				res.Added = append(res.Added, step.ID)
			}
		}

		return nil
	})
}

// skipOrFail records a transient upstream failure as a skipped unit and
// returns nil; any other error is returned as a fatal UnitError.
func (s *syncer) skipOrFail(
	log logrus.FieldLogger,
	res *Result,
	stage Stage,
	unit string,
	id int64,
	err error,
) error {
	if !upstream.IsTransient(err) {
		return unitError(stage, unit, err)
	}

	log.WithError(err).Warn("Upstream call failed, skipping " + unit)

	res.Skipped = append(res.Skipped, id)

	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(*b)
}
