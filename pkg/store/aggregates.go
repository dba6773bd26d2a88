package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Reader exposes the read-only views used by the reporting layer. Every
// derived field is computed at query time from committed rows.
type Reader interface {
	ListAccountSummaries(
		ctx context.Context, activeOnly bool,
	) ([]AccountSummary, error)
	GetAccountSummary(ctx context.Context, id int64) (*AccountSummary, error)

	ListExerciseSummaries(ctx context.Context) ([]ExerciseSummary, error)

	ListSubmissionSummaries(
		ctx context.Context, filter SubmissionFilter,
	) ([]SubmissionSummary, error)
	GetSubmissionSummary(
		ctx context.Context, id int64,
	) (*SubmissionSummary, error)

	ListRunSummaries(ctx context.Context, filter RunFilter) ([]RunSummary, error)
	GetRunSummary(ctx context.Context, id int64) (*RunSummary, error)

	ListRunStepSummaries(
		ctx context.Context, filter RunStepFilter,
	) ([]RunStepSummary, error)
}

// AccountSummary is an account with its submission and run counts.
type AccountSummary struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	NumSubmissions int64     `json:"num_submissions"`
	NumRuns        int64     `json:"num_runs"`
}

// ExerciseSummary is an exercise with its submission counts.
type ExerciseSummary struct {
	ID                       int64  `json:"id"`
	Name                     string `json:"name"`
	NumSubmissions           int64  `json:"num_submissions"`
	NumSubmissionsWithRuns   int64  `json:"num_submissions_with_runs"`
	NumSuccessfulSubmissions int64  `json:"num_successful_submissions"`
}

// Progress is the share of submissions with runs whose latest run
// succeeded, in [0, 1].
func (e ExerciseSummary) Progress() float64 {
	if e.NumSubmissionsWithRuns == 0 {
		return 0
	}

	return float64(e.NumSuccessfulSubmissions) /
		float64(e.NumSubmissionsWithRuns)
}

// SubmissionSummary is a submission with the state of its latest run.
// Status and NumSuccesses are nil when the submission has no runs.
type SubmissionSummary struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"account_id"`
	AccountName    string     `json:"account_name"`
	ExerciseID     int64      `json:"exercise_id"`
	ExerciseName   string     `json:"exercise_name"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	NumRuns        int64      `json:"num_runs"`
	Status         *string    `json:"status"`
	NumSuccesses   *int64     `json:"num_successes"`
}

// SubmissionFilter narrows ListSubmissionSummaries.
type SubmissionFilter struct {
	// ActiveOnly keeps submissions with at least one run.
	ActiveOnly bool
	AccountID  int64
	ExerciseID int64
}

// RunSummary is a run with the names needed to locate it upstream.
type RunSummary struct {
	ID             int64     `json:"id"`
	SubmissionID   int64     `json:"submission_id"`
	AccountName    string    `json:"account_name"`
	ExerciseName   string    `json:"exercise_name"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	Revision       string    `json:"revision"`
	SummaryCount   int       `json:"summary_count"`
	SummarySuccess int       `json:"summary_success"`
	SummaryFailed  int       `json:"summary_failed"`
	SummarySkipped int       `json:"summary_skipped"`
	SummaryError   int       `json:"summary_error"`
}

// TestProgress holds whole percentages of a run's test report. Info is
// 100 when the run reported no tests at all.
type TestProgress struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Info    int `json:"info"`
}

// Progress splits the run's test report into percentages.
func (r RunSummary) Progress() TestProgress {
	if r.SummaryCount == 0 {
		return TestProgress{Info: 100}
	}

	pct := func(n int) int {
		return n * 100 / r.SummaryCount
	}

	return TestProgress{
		Success: pct(r.SummarySuccess),
		Failed:  pct(r.SummaryFailed),
		Skipped: pct(r.SummarySkipped),
	}
}

// RunFilter narrows ListRunSummaries. A zero Limit means no limit.
type RunFilter struct {
	SubmissionID int64
	Limit        int
}

// RunStepSummary is a run step with the names needed to locate it
// upstream.
type RunStepSummary struct {
	ID           int64     `json:"id"`
	RunID        int64     `json:"run_id"`
	Status       string    `json:"status"`
	Name         string    `json:"name"`
	Runner       *string   `json:"runner"`
	Duration     *float64  `json:"duration"`
	RunCreatedAt time.Time `json:"run_created_at"`
	AccountName  string    `json:"account_name"`
	ExerciseName string    `json:"exercise_name"`
}

// RunStepFilter narrows ListRunStepSummaries. A zero Limit means no limit.
type RunStepFilter struct {
	RunIDs []int64
	Limit  int
}

// latestRun selects one column of the newest run of the submission in
// scope; ties on created_at are broken by the higher id.
func latestRun(column string) string {
	return "(SELECT r." + column + " FROM runs r" +
		" WHERE r.submission_id = submissions.id" +
		" ORDER BY r.created_at DESC, r.id DESC LIMIT 1)"
}

const accountSummaryColumns = "accounts.id, accounts.name, accounts.created_at, " +
	"(SELECT COUNT(*) FROM submissions s WHERE s.account_id = accounts.id) AS num_submissions, " +
	"(SELECT COUNT(*) FROM runs r JOIN submissions s ON s.id = r.submission_id " +
	"WHERE s.account_id = accounts.id) AS num_runs"

const exerciseSummaryColumns = "exercises.id, exercises.name, " +
	"(SELECT COUNT(*) FROM submissions s WHERE s.exercise_id = exercises.id) AS num_submissions, " +
	"(SELECT COUNT(*) FROM submissions s WHERE s.exercise_id = exercises.id " +
	"AND EXISTS (SELECT 1 FROM runs r WHERE r.submission_id = s.id)) AS num_submissions_with_runs, " +
	"(SELECT COUNT(*) FROM submissions s WHERE s.exercise_id = exercises.id " +
	"AND (SELECT r.status FROM runs r WHERE r.submission_id = s.id " +
	"ORDER BY r.created_at DESC, r.id DESC LIMIT 1) = 'success') AS num_successful_submissions"

var submissionSummaryColumns = "submissions.id, submissions.account_id, " +
	"accounts.name AS account_name, submissions.exercise_id, " +
	"exercises.name AS exercise_name, submissions.created_at, " +
	"submissions.last_activity_at, " +
	"(SELECT COUNT(*) FROM runs r WHERE r.submission_id = submissions.id) AS num_runs, " +
	latestRun("status") + " AS status, " +
	latestRun("summary_success") + " AS num_successes"

const runSummaryColumns = "runs.id, runs.submission_id, " +
	"accounts.name AS account_name, exercises.name AS exercise_name, " +
	"runs.status, runs.created_at, runs.revision, runs.summary_count, " +
	"runs.summary_success, runs.summary_failed, runs.summary_skipped, " +
	"runs.summary_error"

const runStepSummaryColumns = "run_steps.id, run_steps.run_id, " +
	"run_steps.status, run_steps.name, run_steps.runner, run_steps.duration, " +
	"runs.created_at AS run_created_at, " +
	"accounts.name AS account_name, exercises.name AS exercise_name"

func (s *store) accountSummaries(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("accounts").
		Select(accountSummaryColumns)
}

func (s *store) ListAccountSummaries(
	ctx context.Context, activeOnly bool,
) ([]AccountSummary, error) {
	q := s.accountSummaries(ctx)
	if activeOnly {
		q = q.Where("EXISTS (SELECT 1 FROM runs r JOIN submissions s " +
			"ON s.id = r.submission_id WHERE s.account_id = accounts.id)")
	}

	var summaries []AccountSummary
	if err := q.Order("accounts.name ASC").
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing account summaries: %w", err)
	}

	return summaries, nil
}

func (s *store) GetAccountSummary(
	ctx context.Context, id int64,
) (*AccountSummary, error) {
	var summaries []AccountSummary
	if err := s.accountSummaries(ctx).
		Where("accounts.id = ?", id).
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("getting account summary: %w", err)
	}

	if len(summaries) == 0 {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}

	return &summaries[0], nil
}

func (s *store) ListExerciseSummaries(
	ctx context.Context,
) ([]ExerciseSummary, error) {
	var summaries []ExerciseSummary
	if err := s.db.WithContext(ctx).
		Table("exercises").
		Select(exerciseSummaryColumns).
		Order("exercises.name ASC").
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing exercise summaries: %w", err)
	}

	return summaries, nil
}

func (s *store) submissionSummaries(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("submissions").
		Select(submissionSummaryColumns).
		Joins("JOIN accounts ON accounts.id = submissions.account_id").
		Joins("JOIN exercises ON exercises.id = submissions.exercise_id")
}

func (s *store) ListSubmissionSummaries(
	ctx context.Context, filter SubmissionFilter,
) ([]SubmissionSummary, error) {
	q := s.submissionSummaries(ctx)

	if filter.ActiveOnly {
		q = q.Where("EXISTS (SELECT 1 FROM runs r " +
			"WHERE r.submission_id = submissions.id)")
	}

	if filter.AccountID != 0 {
		q = q.Where("submissions.account_id = ?", filter.AccountID)
	}

	if filter.ExerciseID != 0 {
		q = q.Where("submissions.exercise_id = ?", filter.ExerciseID)
	}

	var summaries []SubmissionSummary
	if err := q.
		Order("submissions.last_activity_at IS NULL ASC").
		Order("submissions.last_activity_at DESC").
		Order("submissions.id ASC").
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing submission summaries: %w", err)
	}

	return summaries, nil
}

func (s *store) GetSubmissionSummary(
	ctx context.Context, id int64,
) (*SubmissionSummary, error) {
	var summaries []SubmissionSummary
	if err := s.submissionSummaries(ctx).
		Where("submissions.id = ?", id).
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("getting submission summary: %w", err)
	}

	if len(summaries) == 0 {
		return nil, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}

	return &summaries[0], nil
}

func (s *store) runSummaries(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("runs").
		Select(runSummaryColumns).
		Joins("JOIN submissions ON submissions.id = runs.submission_id").
		Joins("JOIN accounts ON accounts.id = submissions.account_id").
		Joins("JOIN exercises ON exercises.id = submissions.exercise_id")
}

func (s *store) ListRunSummaries(
	ctx context.Context, filter RunFilter,
) ([]RunSummary, error) {
	q := s.runSummaries(ctx)

	if filter.SubmissionID != 0 {
		q = q.Where("runs.submission_id = ?", filter.SubmissionID)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var summaries []RunSummary
	if err := q.
		Order("runs.created_at DESC").
		Order("runs.id DESC").
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing run summaries: %w", err)
	}

	return summaries, nil
}

func (s *store) GetRunSummary(
	ctx context.Context, id int64,
) (*RunSummary, error) {
	var summaries []RunSummary
	if err := s.runSummaries(ctx).
		Where("runs.id = ?", id).
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("getting run summary: %w", err)
	}

	if len(summaries) == 0 {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}

	return &summaries[0], nil
}

func (s *store) ListRunStepSummaries(
	ctx context.Context, filter RunStepFilter,
) ([]RunStepSummary, error) {
	q := s.db.WithContext(ctx).
		Table("run_steps").
		Select(runStepSummaryColumns).
		Joins("JOIN runs ON runs.id = run_steps.run_id").
		Joins("JOIN submissions ON submissions.id = runs.submission_id").
		Joins("JOIN accounts ON accounts.id = submissions.account_id").
		Joins("JOIN exercises ON exercises.id = submissions.exercise_id")

	if len(filter.RunIDs) > 0 {
		q = q.Where("run_steps.run_id IN ?", filter.RunIDs)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var summaries []RunStepSummary
	if err := q.
		Order("runs.created_at DESC").
		Order("run_steps.run_id DESC").
		Order("run_steps.id ASC").
		Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing run step summaries: %w", err)
	}

	return summaries, nil
}
