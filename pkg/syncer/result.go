package syncer

import "fmt"

// Stage names one synchronization stage.
type Stage string

// Stages in the order they must run.
const (
	StageAccounts    Stage = "accounts"
	StageExercises   Stage = "exercises"
	StageSubmissions Stage = "submissions"
	StageRuns        Stage = "runs"
	StageRunSteps    Stage = "run-steps"
)

// Result reports the ids touched by one committed stage.
type Result struct {
	Stage Stage `json:"stage"`
	// Added holds the ids of newly inserted rows.
	Added []int64 `json:"added"`
	// Updated holds the ids of submissions whose last activity changed.
	Updated []int64 `json:"updated"`
	// Discarded holds the ids of pipelines tombstoned by the ownership
	// filter.
	Discarded []int64 `json:"discarded"`
	// Skipped holds the ids of units (accounts, submissions, pipelines or
	// runs) left for a later invocation after a transient upstream error.
	Skipped []int64 `json:"skipped"`
}

// Empty reports whether the stage changed nothing.
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Discarded) == 0
}

// UnitError is a fatal stage failure. The stage's transaction has been
// rolled back. Unit names what was being processed, e.g. "submission 10".
type UnitError struct {
	Stage Stage
	Unit  string
	Err   error
}

func (e *UnitError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("sync %s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("sync %s: %s: %v", e.Stage, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

func unitError(stage Stage, unit string, err error) error {
	return &UnitError{Stage: stage, Unit: unit, Err: err}
}
