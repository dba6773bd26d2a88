// Package upstream is the call surface over the GitLab REST API used by
// the sync stages. It holds no state beyond rate limiting and circuit
// breaking, and never retries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed reports upstream data that does not have the expected
// shape, e.g. a pipeline without a triggering user. It is never caught
// per unit.
var ErrMalformed = errors.New("malformed upstream data")

// Client lists and fetches the upstream records the sync stages need.
type Client interface {
	// ListAccounts returns every direct sub-group of the configured group.
	ListAccounts(ctx context.Context) ([]Account, error)
	// ListRepositories returns every non-archived project of an account.
	ListRepositories(ctx context.Context, accountID int64) ([]Repository, error)
	// ListRuns returns the ids of every pipeline of a repository.
	ListRuns(ctx context.Context, repositoryID int64) ([]RunRef, error)
	// GetRun returns the detail of one pipeline.
	GetRun(ctx context.Context, repositoryID, runID int64) (*RunDetail, error)
	// GetTestSummary returns the totals of a pipeline's test report.
	GetTestSummary(
		ctx context.Context, repositoryID, runID int64,
	) (*TestSummary, error)
	// ListRunSteps returns every job of one pipeline.
	ListRunSteps(
		ctx context.Context, repositoryID, runID int64,
	) ([]RunStep, error)
}

// Account is a student namespace.
type Account struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Repository is a project inside an account namespace.
type Repository struct {
	ID             int64
	Name           string
	CreatedAt      time.Time
	LastActivityAt *time.Time
}

// RunRef is the shallow listing entry of a pipeline.
type RunRef struct {
	ID int64
}

// RunDetail is the full detail of a pipeline.
type RunDetail struct {
	ID        int64
	Status    string
	Revision  string
	CreatedAt time.Time
	// Actor is the username of the user who triggered the pipeline.
	Actor string
}

// TestSummary holds the totals of a pipeline's test report.
type TestSummary struct {
	Count   int
	Success int
	Failed  int
	Skipped int
	Error   int
}

// RunStep is one job of a pipeline.
type RunStep struct {
	ID       int64
	Status   string
	Name     string
	Runner   *string
	Duration *float64
	Actor    string
}

// TransientError wraps a failed upstream call. Callers skip the unit
// named by Unit and carry on.
type TransientError struct {
	Op   string
	Unit int64
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream %s (%d): %v", e.Op, e.Unit, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a failed upstream call that can be
// retried on a later invocation.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

// normalizeTime drops sub-second precision and the zone so stored
// timestamps compare equal across syncs.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	n := normalizeTime(*t)

	return &n
}
