package syncer_test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gitlab-students-monitor/gsm/pkg/upstream"
)

// fakeUpstream serves canned upstream data. Errors are keyed by
// "<op>:<unit>", e.g. "list_repositories:1".
type fakeUpstream struct {
	mu sync.Mutex

	accounts  []upstream.Account
	repos     map[int64][]upstream.Repository
	runs      map[int64][]upstream.RunRef
	details   map[int64]*upstream.RunDetail
	summaries map[int64]*upstream.TestSummary
	steps     map[int64][]upstream.RunStep
	errs      map[string]error
	calls     map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		repos:     make(map[int64][]upstream.Repository),
		runs:      make(map[int64][]upstream.RunRef),
		details:   make(map[int64]*upstream.RunDetail),
		summaries: make(map[int64]*upstream.TestSummary),
		steps:     make(map[int64][]upstream.RunStep),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

var _ upstream.Client = (*fakeUpstream)(nil)

func (f *fakeUpstream) record(op string, unit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%s:%d", op, unit)
	f.calls[key]++

	return f.errs[key]
}

func (f *fakeUpstream) callCount(op string, unit int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[fmt.Sprintf("%s:%d", op, unit)]
}

func (f *fakeUpstream) fail(op string, unit int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[fmt.Sprintf("%s:%d", op, unit)] = err
}

func (f *fakeUpstream) heal(op string, unit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.errs, fmt.Sprintf("%s:%d", op, unit))
}

func transient(op string, unit int64) error {
	return &upstream.TransientError{
		Op: op, Unit: unit, Err: fmt.Errorf("502 Bad Gateway"),
	}
}

func (f *fakeUpstream) ListAccounts(_ context.Context) ([]upstream.Account, error) {
	if err := f.record("list_accounts", 0); err != nil {
		return nil, err
	}

	return f.accounts, nil
}

func (f *fakeUpstream) ListRepositories(
	_ context.Context, accountID int64,
) ([]upstream.Repository, error) {
	if err := f.record("list_repositories", accountID); err != nil {
		return nil, err
	}

	return f.repos[accountID], nil
}

func (f *fakeUpstream) ListRuns(
	_ context.Context, repositoryID int64,
) ([]upstream.RunRef, error) {
	if err := f.record("list_runs", repositoryID); err != nil {
		return nil, err
	}

	return f.runs[repositoryID], nil
}

func (f *fakeUpstream) GetRun(
	_ context.Context, _, runID int64,
) (*upstream.RunDetail, error) {
	if err := f.record("get_run", runID); err != nil {
		return nil, err
	}

	detail, ok := f.details[runID]
	if !ok {
		return nil, transient("get_run", runID)
	}

	d := *detail

	return &d, nil
}

func (f *fakeUpstream) GetTestSummary(
	_ context.Context, _, runID int64,
) (*upstream.TestSummary, error) {
	if err := f.record("get_test_summary", runID); err != nil {
		return nil, err
	}

	summary, ok := f.summaries[runID]
	if !ok {
		return &upstream.TestSummary{}, nil
	}

	s := *summary

	return &s, nil
}

func (f *fakeUpstream) ListRunSteps(
	_ context.Context, _, runID int64,
) ([]upstream.RunStep, error) {
	if err := f.record("list_run_steps", runID); err != nil {
		return nil, err
	}

	return f.steps[runID], nil
}

// staticRegistry is an exercise registry over a fixed list of names.
type staticRegistry []string

func (r staticRegistry) Names(_ context.Context) ([]string, error) {
	names := append([]string(nil), r...)
	sort.Strings(names)

	return names, nil
}

func (r staticRegistry) Location() string {
	return "static"
}
