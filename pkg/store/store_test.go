package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// seed inserts one account "alice" (id 10) with a submission (id 100) for
// exercise "ex1", plus whatever runs are given.
func seed(t *testing.T, s store.Store, runs ...*store.Run) {
	t.Helper()

	err := s.Transaction(context.Background(), func(tx store.Tx) error {
		ctx := context.Background()

		if err := tx.CreateAccount(ctx, &store.Account{
			ID: 10, Name: "alice", CreatedAt: base,
		}); err != nil {
			return err
		}

		exercise := &store.Exercise{Name: "ex1"}
		if err := tx.CreateExercise(ctx, exercise); err != nil {
			return err
		}

		activity := base.Add(time.Hour)
		if err := tx.CreateSubmission(ctx, &store.Submission{
			ID:             100,
			AccountID:      10,
			ExerciseID:     exercise.ID,
			CreatedAt:      base,
			LastActivityAt: &activity,
		}); err != nil {
			return err
		}

		for _, run := range runs {
			if err := tx.CreateRun(ctx, run); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)
}

func run(id int64, status string, createdAt time.Time, success int) *store.Run {
	return &store.Run{
		ID:             id,
		SubmissionID:   100,
		Status:         status,
		CreatedAt:      createdAt,
		Revision:       "deadbeef",
		SummaryCount:   10,
		SummarySuccess: success,
		SummaryFailed:  10 - success,
	}
}

func TestStore_KnownIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s, run(1000, store.StatusSuccess, base, 10))

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateDiscardedRun(ctx, 1001))

		tests := []struct {
			kind store.Kind
			want []int64
		}{
			{store.KindAccount, []int64{10}},
			{store.KindSubmission, []int64{100}},
			{store.KindRun, []int64{1000}},
			{store.KindDiscardedRun, []int64{1001}},
			{store.KindRunStep, nil},
		}

		for _, tt := range tests {
			known, err := tx.KnownIDs(ctx, tt.kind)
			require.NoError(t, err)
			assert.Len(t, known, len(tt.want), tt.kind)

			for _, id := range tt.want {
				assert.Contains(t, known, id, tt.kind)
			}
		}

		_, err := tx.KnownIDs(ctx, store.Kind("bogus"))
		assert.Error(t, err)

		return nil
	}))
}

func TestStore_TransactionRollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateAccount(ctx, &store.Account{
			ID: 1, Name: "bob", CreatedAt: base,
		}))

		return boom
	})
	require.ErrorIs(t, err, boom)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Accounts)
}

func TestStore_TransactionRollsBackOnPanic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.Transaction(ctx, func(tx store.Tx) error {
			_ = tx.CreateAccount(ctx, &store.Account{
				ID: 1, Name: "bob", CreatedAt: base,
			})

			panic("boom")
		})
	})

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Accounts)
}

func TestStore_UniqueNames(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s)

	err := s.Transaction(ctx, func(tx store.Tx) error {
		return tx.CreateAccount(ctx, &store.Account{
			ID: 11, Name: "alice", CreatedAt: base,
		})
	})
	assert.Error(t, err)

	err = s.Transaction(ctx, func(tx store.Tx) error {
		return tx.CreateExercise(ctx, &store.Exercise{Name: "ex1"})
	})
	assert.Error(t, err)
}

func TestStore_DeleteAccountCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s, run(1000, store.StatusSuccess, base, 10))

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		runner := "shared-runner-1"
		duration := 12.5

		if err := tx.CreateRunStep(ctx, &store.RunStep{
			ID: 5000, RunID: 1000, Status: store.StatusSuccess,
			Name: "test", Runner: &runner, Duration: &duration,
		}); err != nil {
			return err
		}

		return tx.CreateDiscardedRun(ctx, 1001)
	}))

	require.NoError(t, s.DeleteAccount(ctx, 10))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Accounts)
	assert.Zero(t, counts.Submissions)
	assert.Zero(t, counts.Runs)
	assert.Zero(t, counts.RunSteps)
	assert.Equal(t, int64(1), counts.Exercises)
	assert.Equal(t, int64(1), counts.DiscardedRuns)

	err = s.DeleteAccount(ctx, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_RunRequiresSubmission(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx store.Tx) error {
		return tx.CreateRun(ctx, &store.Run{
			ID: 1, SubmissionID: 999, Status: store.StatusSuccess,
			CreatedAt: base, Revision: "abc",
		})
	})
	assert.Error(t, err)
}

func TestStore_SubmissionStatusFollowsLatestRun(t *testing.T) {
	tests := []struct {
		name        string
		runs        []*store.Run
		wantStatus  string
		wantSuccess int64
	}{
		{
			name: "newest inserted last",
			runs: []*store.Run{
				run(1000, store.StatusFailed, base, 3),
				run(1001, store.StatusSuccess, base.Add(time.Minute), 10),
			},
			wantStatus:  store.StatusSuccess,
			wantSuccess: 10,
		},
		{
			name: "newest inserted first",
			runs: []*store.Run{
				run(1001, store.StatusSuccess, base.Add(time.Minute), 10),
				run(1000, store.StatusFailed, base, 3),
			},
			wantStatus:  store.StatusSuccess,
			wantSuccess: 10,
		},
		{
			name: "older run has higher id",
			runs: []*store.Run{
				run(2000, store.StatusSuccess, base, 10),
				run(1000, store.StatusCanceled, base.Add(time.Minute), 0),
			},
			wantStatus:  store.StatusCanceled,
			wantSuccess: 0,
		},
		{
			name: "tie broken by id",
			runs: []*store.Run{
				run(1001, store.StatusFailed, base, 4),
				run(1000, store.StatusSuccess, base, 10),
			},
			wantStatus:  store.StatusFailed,
			wantSuccess: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()

			seed(t, s, tt.runs...)

			sub, err := s.GetSubmissionSummary(ctx, 100)
			require.NoError(t, err)
			require.NotNil(t, sub.Status)
			require.NotNil(t, sub.NumSuccesses)
			assert.Equal(t, tt.wantStatus, *sub.Status)
			assert.Equal(t, tt.wantSuccess, *sub.NumSuccesses)
			assert.Equal(t, int64(len(tt.runs)), sub.NumRuns)
			assert.Equal(t, "alice", sub.AccountName)
			assert.Equal(t, "ex1", sub.ExerciseName)
		})
	}
}

func TestStore_SubmissionWithoutRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s)

	sub, err := s.GetSubmissionSummary(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, sub.Status)
	assert.Nil(t, sub.NumSuccesses)
	assert.Zero(t, sub.NumRuns)

	active, err := s.ListSubmissionSummaries(
		ctx, store.SubmissionFilter{ActiveOnly: true},
	)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListSubmissionSummaries(ctx, store.SubmissionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetSubmissionSummary(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_AccountAndExerciseAggregates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s,
		run(1000, store.StatusFailed, base, 3),
		run(1001, store.StatusSuccess, base.Add(time.Minute), 10),
	)

	// A second account with a run-less submission for the same exercise.
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, &store.Account{
			ID: 20, Name: "bob", CreatedAt: base,
		}); err != nil {
			return err
		}

		byName, err := tx.ExerciseIDsByName(ctx)
		if err != nil {
			return err
		}

		return tx.CreateSubmission(ctx, &store.Submission{
			ID: 200, AccountID: 20, ExerciseID: byName["ex1"], CreatedAt: base,
		})
	}))

	accounts, err := s.ListAccountSummaries(ctx, false)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0].Name)
	assert.Equal(t, int64(1), accounts[0].NumSubmissions)
	assert.Equal(t, int64(2), accounts[0].NumRuns)
	assert.Equal(t, "bob", accounts[1].Name)
	assert.Zero(t, accounts[1].NumRuns)

	active, err := s.ListAccountSummaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Name)

	bob, err := s.GetAccountSummary(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bob.NumSubmissions)

	_, err = s.GetAccountSummary(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)

	exercises, err := s.ListExerciseSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, exercises, 1)
	assert.Equal(t, int64(2), exercises[0].NumSubmissions)
	assert.Equal(t, int64(1), exercises[0].NumSubmissionsWithRuns)
	assert.Equal(t, int64(1), exercises[0].NumSuccessfulSubmissions)
	assert.InDelta(t, 1.0, exercises[0].Progress(), 1e-9)

	// Newest activity first; submissions without activity last.
	subs, err := s.ListSubmissionSummaries(ctx, store.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, int64(100), subs[0].ID)
	assert.Equal(t, int64(200), subs[1].ID)

	bobs, err := s.ListSubmissionSummaries(
		ctx, store.SubmissionFilter{AccountID: 20},
	)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, int64(200), bobs[0].ID)
}

func TestStore_RunAndStepSummaries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s,
		run(1000, store.StatusFailed, base, 3),
		run(1001, store.StatusSuccess, base.Add(time.Minute), 10),
	)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		for _, step := range []*store.RunStep{
			{ID: 5000, RunID: 1000, Status: store.StatusFailed, Name: "test"},
			{ID: 5001, RunID: 1001, Status: store.StatusSuccess, Name: "test"},
		} {
			if err := tx.CreateRunStep(ctx, step); err != nil {
				return err
			}
		}

		return nil
	}))

	runs, err := s.ListRunSummaries(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(1001), runs[0].ID)
	assert.Equal(t, "alice", runs[0].AccountName)
	assert.Equal(t, "ex1", runs[0].ExerciseName)

	limited, err := s.ListRunSummaries(ctx, store.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(1001), limited[0].ID)

	r, err := s.GetRunSummary(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, store.TestProgress{Success: 30, Failed: 70}, r.Progress())
	assert.True(t, r.CreatedAt.Equal(base))

	_, err = s.GetRunSummary(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)

	steps, err := s.ListRunStepSummaries(ctx, store.RunStepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, int64(5001), steps[0].ID)
	assert.Nil(t, steps[0].Runner)
	assert.Nil(t, steps[0].Duration)

	scoped, err := s.ListRunStepSummaries(
		ctx, store.RunStepFilter{RunIDs: []int64{1000}},
	)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, int64(5000), scoped[0].ID)
}

func TestRunSummary_ProgressWithoutTests(t *testing.T) {
	r := store.RunSummary{}
	assert.Equal(t, store.TestProgress{Info: 100}, r.Progress())
}

func TestStore_Reset(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s, run(1000, store.StatusSuccess, base, 10))
	require.NoError(t, s.Reset(ctx))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, *counts)
}

func TestStore_SubmissionActivity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed(t, s)

	later := base.Add(48 * time.Hour)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.UpdateSubmissionLastActivity(ctx, 100, &later); err != nil {
			return err
		}

		activity, err := tx.SubmissionActivity(ctx)
		require.NoError(t, err)
		require.Contains(t, activity, int64(100))
		require.NotNil(t, activity[100])
		assert.True(t, activity[100].Equal(later))

		owners, err := tx.ListSubmissionOwners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []store.SubmissionOwner{
			{SubmissionID: 100, AccountName: "alice"},
		}, owners)

		return nil
	}))
}
