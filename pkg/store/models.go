package store

import (
	"time"
)

// Run statuses reported by the upstream platform.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusCreated  = "created"
)

// Account is one student's namespace (a sub-group of the course group).
type Account struct {
	ID          int64        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name        string       `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt   time.Time    `gorm:"not null;autoCreateTime:false" json:"created_at"`
	Submissions []Submission `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

// Exercise is a coursework assignment template.
type Exercise struct {
	ID          int64        `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"uniqueIndex;not null" json:"name"`
	Submissions []Submission `gorm:"foreignKey:ExerciseID;constraint:OnDelete:CASCADE" json:"-"`
}

// Submission is one student's repository for one exercise. Its ID is the
// upstream repository id.
type Submission struct {
	ID             int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ExerciseID     int64      `gorm:"index;not null" json:"exercise_id"`
	AccountID      int64      `gorm:"index;not null" json:"account_id"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime:false" json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	Runs           []Run      `gorm:"foreignKey:SubmissionID;constraint:OnDelete:CASCADE" json:"-"`
}

// Run is one CI pipeline execution. Its ID is the upstream pipeline id.
type Run struct {
	ID             int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	SubmissionID   int64     `gorm:"index;not null" json:"submission_id"`
	Status         string    `gorm:"not null" json:"status"`
	CreatedAt      time.Time `gorm:"index;not null;autoCreateTime:false" json:"created_at"`
	Revision       string    `gorm:"not null" json:"revision"`
	SummaryCount   int       `json:"summary_count"`
	SummarySuccess int       `json:"summary_success"`
	SummaryFailed  int       `json:"summary_failed"`
	SummarySkipped int       `json:"summary_skipped"`
	SummaryError   int       `json:"summary_error"`
	Steps          []RunStep `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"-"`
}

// DiscardedRun is a tombstone for an upstream pipeline that was not
// triggered by the owner of its submission. It only exists so the
// pipeline is never fetched again.
type DiscardedRun struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id"`
}

// RunStep is one job within a Run. Its ID is the upstream job id.
type RunStep struct {
	ID       int64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	RunID    int64    `gorm:"index;not null" json:"run_id"`
	Status   string   `gorm:"not null" json:"status"`
	Name     string   `gorm:"not null" json:"name"`
	Runner   *string  `json:"runner"`
	Duration *float64 `json:"duration"`
}

// allModels lists every table in dependency order.
func allModels() []any {
	return []any{
		&Account{},
		&Exercise{},
		&Submission{},
		&Run{},
		&DiscardedRun{},
		&RunStep{},
	}
}
