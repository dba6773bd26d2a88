package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Kind names an entity whose primary keys are upstream-assigned.
type Kind string

// Entity kinds with upstream-assigned ids.
const (
	KindAccount      Kind = "account"
	KindSubmission   Kind = "submission"
	KindRun          Kind = "run"
	KindDiscardedRun Kind = "discarded_run"
	KindRunStep      Kind = "run_step"
)

// Store provides persistence for the synchronized snapshot.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Reset drops and recreates every table.
	Reset(ctx context.Context) error

	// Transaction runs fn inside a single database transaction. The
	// transaction commits when fn returns nil and rolls back when fn
	// returns an error or panics.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// DeleteAccount removes an account; its submissions, runs and run
	// steps are removed by the storage engine's cascades.
	DeleteAccount(ctx context.Context, id int64) error

	Counts(ctx context.Context) (*Counts, error)

	Reader
}

// Tx is the set of operations available to a sync stage inside its
// transaction.
type Tx interface {
	// KnownIDs returns every stored primary key of one entity kind.
	KnownIDs(ctx context.Context, kind Kind) (map[int64]struct{}, error)
	ExerciseIDsByName(ctx context.Context) (map[string]int64, error)
	SubmissionActivity(ctx context.Context) (map[int64]*time.Time, error)

	ListAccounts(ctx context.Context) ([]Account, error)
	ListSubmissionOwners(ctx context.Context) ([]SubmissionOwner, error)
	ListRunOwners(ctx context.Context) ([]RunOwner, error)

	CreateAccount(ctx context.Context, account *Account) error
	CreateExercise(ctx context.Context, exercise *Exercise) error
	CreateSubmission(ctx context.Context, submission *Submission) error
	UpdateSubmissionLastActivity(
		ctx context.Context, id int64, lastActivityAt *time.Time,
	) error
	CreateRun(ctx context.Context, run *Run) error
	CreateDiscardedRun(ctx context.Context, id int64) error
	CreateRunStep(ctx context.Context, step *RunStep) error
}

// SubmissionOwner pairs a submission with the name of its account.
type SubmissionOwner struct {
	SubmissionID int64
	AccountName  string
}

// RunOwner pairs a run with its submission and the name of its account.
type RunOwner struct {
	RunID        int64
	SubmissionID int64
	AccountName  string
}

// Counts holds the number of rows per table.
type Counts struct {
	Accounts      int64 `json:"accounts"`
	Exercises     int64 `json:"exercises"`
	Submissions   int64 `json:"submissions"`
	Runs          int64 `json:"runs"`
	DiscardedRuns int64 `json:"discarded_runs"`
	RunSteps      int64 `json:"run_steps"`
}

// Compile-time interface checks.
var (
	_ Store = (*store)(nil)
	_ Tx    = (*txStore)(nil)
)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		if err := ensureDir(s.cfg.SQLite.Path); err != nil {
			return err
		}

		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// Single writer; also keeps an in-memory database on one connection.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)

		if err := s.db.WithContext(ctx).
			Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Reset(ctx context.Context) error {
	models := allModels()

	dropOrder := make([]any, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		dropOrder = append(dropOrder, models[i])
	}

	if err := s.db.WithContext(ctx).
		Migrator().DropTable(dropOrder...); err != nil {
		return fmt.Errorf("dropping tables: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.Info("Database reset")

	return nil
}

func (s *store) Transaction(
	ctx context.Context, fn func(tx Tx) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&txStore{db: gtx})
	})
}

func (s *store) DeleteAccount(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&Account{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting account: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting account %d: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) Counts(ctx context.Context) (*Counts, error) {
	var c Counts

	targets := []struct {
		model any
		dst   *int64
	}{
		{&Account{}, &c.Accounts},
		{&Exercise{}, &c.Exercises},
		{&Submission{}, &c.Submissions},
		{&Run{}, &c.Runs},
		{&DiscardedRun{}, &c.DiscardedRuns},
		{&RunStep{}, &c.RunSteps},
	}

	for _, t := range targets {
		if err := s.db.WithContext(ctx).
			Model(t.model).
			Count(t.dst).Error; err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	return &c, nil
}

// --- Transaction-scoped operations ---

type txStore struct {
	db *gorm.DB
}

func modelFor(kind Kind) (any, error) {
	switch kind {
	case KindAccount:
		return &Account{}, nil
	case KindSubmission:
		return &Submission{}, nil
	case KindRun:
		return &Run{}, nil
	case KindDiscardedRun:
		return &DiscardedRun{}, nil
	case KindRunStep:
		return &RunStep{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

func (t *txStore) KnownIDs(
	ctx context.Context, kind Kind,
) (map[int64]struct{}, error) {
	model, err := modelFor(kind)
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := t.db.WithContext(ctx).
		Model(model).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing known %s ids: %w", kind, err)
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set, nil
}

func (t *txStore) ExerciseIDsByName(
	ctx context.Context,
) (map[string]int64, error) {
	var exercises []Exercise
	if err := t.db.WithContext(ctx).
		Select("id", "name").
		Find(&exercises).Error; err != nil {
		return nil, fmt.Errorf("listing exercises: %w", err)
	}

	byName := make(map[string]int64, len(exercises))
	for _, e := range exercises {
		byName[e.Name] = e.ID
	}

	return byName, nil
}

func (t *txStore) SubmissionActivity(
	ctx context.Context,
) (map[int64]*time.Time, error) {
	var submissions []Submission
	if err := t.db.WithContext(ctx).
		Select("id", "last_activity_at").
		Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("listing submission activity: %w", err)
	}

	activity := make(map[int64]*time.Time, len(submissions))
	for _, sub := range submissions {
		activity[sub.ID] = sub.LastActivityAt
	}

	return activity, nil
}

func (t *txStore) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := t.db.WithContext(ctx).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	return accounts, nil
}

func (t *txStore) ListSubmissionOwners(
	ctx context.Context,
) ([]SubmissionOwner, error) {
	var owners []SubmissionOwner
	if err := t.db.WithContext(ctx).
		Table("submissions").
		Select("submissions.id AS submission_id, accounts.name AS account_name").
		Joins("JOIN accounts ON accounts.id = submissions.account_id").
		Order("submissions.id ASC").
		Scan(&owners).Error; err != nil {
		return nil, fmt.Errorf("listing submission owners: %w", err)
	}

	return owners, nil
}

func (t *txStore) ListRunOwners(ctx context.Context) ([]RunOwner, error) {
	var owners []RunOwner
	if err := t.db.WithContext(ctx).
		Table("runs").
		Select("runs.id AS run_id, runs.submission_id AS submission_id, " +
			"accounts.name AS account_name").
		Joins("JOIN submissions ON submissions.id = runs.submission_id").
		Joins("JOIN accounts ON accounts.id = submissions.account_id").
		Order("runs.submission_id ASC, runs.id ASC").
		Scan(&owners).Error; err != nil {
		return nil, fmt.Errorf("listing run owners: %w", err)
	}

	return owners, nil
}

func (t *txStore) CreateAccount(ctx context.Context, account *Account) error {
	if err := t.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

func (t *txStore) CreateExercise(
	ctx context.Context, exercise *Exercise,
) error {
	if err := t.db.WithContext(ctx).Create(exercise).Error; err != nil {
		return fmt.Errorf("creating exercise: %w", err)
	}

	return nil
}

func (t *txStore) CreateSubmission(
	ctx context.Context, submission *Submission,
) error {
	if err := t.db.WithContext(ctx).Create(submission).Error; err != nil {
		return fmt.Errorf("creating submission: %w", err)
	}

	return nil
}

func (t *txStore) UpdateSubmissionLastActivity(
	ctx context.Context, id int64, lastActivityAt *time.Time,
) error {
	if err := t.db.WithContext(ctx).
		Model(&Submission{}).
		Where("id = ?", id).
		Update("last_activity_at", lastActivityAt).Error; err != nil {
		return fmt.Errorf("updating submission last activity: %w", err)
	}

	return nil
}

func (t *txStore) CreateRun(ctx context.Context, run *Run) error {
	if err := t.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (t *txStore) CreateDiscardedRun(ctx context.Context, id int64) error {
	if err := t.db.WithContext(ctx).
		Create(&DiscardedRun{ID: id}).Error; err != nil {
		return fmt.Errorf("creating discarded run: %w", err)
	}

	return nil
}

func (t *txStore) CreateRunStep(ctx context.Context, step *RunStep) error {
	if err := t.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("creating run step: %w", err)
	}

	return nil
}

// sqliteDSN turns on foreign key enforcement for every connection the
// driver opens; SQLite ships with it disabled.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return path + sep + "_pragma=foreign_keys(1)"
}

func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	return nil
}
