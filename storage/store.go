package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

// Store persists workflow runs.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured database and verifies the connection.
// SQLite is limited to a single connection, which serializes transactions.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, classify(err, "open %s database", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, classify(err, "get sql handle")
	}
	if cfg.Driver == DriverPostgres {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLife > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)
		}
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	s := NewStore(db, logger)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing GORM handle.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&WorkflowRun{}, &StateInstance{}, &TaskInstance{}); err != nil {
		return classify(err, "migrate")
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err, "get sql handle")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", ErrDatabaseUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTransaction runs fn in one database transaction. Returning an error
// from fn rolls back every write made through tx.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowName string
	Status       Status
	Limit        int
}

// GetRun loads a run without its states.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*WorkflowRun, error) {
	return (&Tx{db: s.db.WithContext(ctx)}).GetRun(id)
}

// GetRunDetail loads a run with every state and task.
func (s *Store) GetRunDetail(ctx context.Context, id uuid.UUID) (*WorkflowRun, error) {
	var run WorkflowRun
	err := s.db.WithContext(ctx).
		Preload("States", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, name") }).
		Preload("States.Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&run, "id = ?", id).Error
	if err != nil {
		return nil, classify(err, "get run %s", id)
	}
	return &run, nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]WorkflowRun, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.WorkflowName != "" {
		q = q.Where("workflow_name = ?", filter.WorkflowName)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var runs []WorkflowRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, classify(err, "list runs")
	}
	return runs, nil
}

// GetStateInstance loads a state instance with its tasks.
func (s *Store) GetStateInstance(ctx context.Context, id uuid.UUID) (*StateInstance, error) {
	return (&Tx{db: s.db.WithContext(ctx)}).GetStateInstance(id)
}

// GetTask loads a task by state instance and name.
func (s *Store) GetTask(ctx context.Context, stateID uuid.UUID, name string) (*TaskInstance, error) {
	var t TaskInstance
	err := s.db.WithContext(ctx).
		Where("state_instance_id = ? AND name = ?", stateID, name).
		First(&t).Error
	if err != nil {
		return nil, classify(err, "get task %s/%s", stateID, name)
	}
	return &t, nil
}

// ClaimTask moves a created task to queued. It fails with ErrTaskNotClaimable
// when another delivery already claimed it.
func (s *Store) ClaimTask(ctx context.Context, t *TaskInstance) error {
	res := s.db.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ? AND status = ?", t.ID, StatusCreated).
		Updates(map[string]any{
			"status":     StatusQueued,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return classify(res.Error, "claim task %s", t.Name)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotClaimable, t.Name)
	}
	t.Status = StatusQueued
	t.Attempts++
	return nil
}

// ReclaimTask takes over a queued or in-progress task whose claim has not
// been updated since staleBefore, as after a worker died mid-task. It fails
// with ErrTaskNotClaimable while the claim is live or when another delivery
// reclaimed it first.
func (s *Store) ReclaimTask(ctx context.Context, t *TaskInstance, staleBefore time.Time) error {
	ts := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ? AND status IN ? AND updated_at < ?",
			t.ID, []Status{StatusQueued, StatusInProgress}, staleBefore.UTC()).
		Updates(map[string]any{
			"status":     StatusQueued,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": ts,
		})
	if res.Error != nil {
		return classify(res.Error, "reclaim task %s", t.Name)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotClaimable, t.Name)
	}
	t.Status = StatusQueued
	t.Attempts++
	t.UpdatedAt = ts
	return nil
}

// StartTask records the resolved input and marks the task in progress.
func (s *Store) StartTask(ctx context.Context, t *TaskInstance, input map[string]any) error {
	t.Status = StatusInProgress
	t.Input = input
	t.StartedAt = now()
	return s.updateTask(ctx, t, "status", "input", "started_at")
}

// CompleteTask records the output and marks the task completed.
func (s *Store) CompleteTask(ctx context.Context, t *TaskInstance, output map[string]any) error {
	t.Status = StatusCompleted
	t.Output = output
	t.CompletedAt = now()
	return s.updateTask(ctx, t, "status", "output", "completed_at")
}

// FailTask records the error and marks the task failed.
func (s *Store) FailTask(ctx context.Context, t *TaskInstance, reason string) error {
	t.Status = StatusFailed
	t.Error = reason
	t.CompletedAt = now()
	return s.updateTask(ctx, t, "status", "error", "completed_at")
}

func (s *Store) updateTask(ctx context.Context, t *TaskInstance, columns ...string) error {
	columns = append(columns, "updated_at")
	err := s.db.WithContext(ctx).Model(t).Select(columns).Updates(t).Error
	return classify(err, "update task %s", t.Name)
}

// Tx exposes the writes a coordinator step or run creation performs
// atomically.
type Tx struct {
	db *gorm.DB
}

// CreateRun inserts a run together with its states and tasks.
func (tx *Tx) CreateRun(run *WorkflowRun) error {
	return classify(tx.db.Create(run).Error, "create run")
}

// GetRun loads a run without its states.
func (tx *Tx) GetRun(id uuid.UUID) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := tx.db.First(&run, "id = ?", id).Error; err != nil {
		return nil, classify(err, "get run %s", id)
	}
	return &run, nil
}

// LockRun loads a run and locks its row until the transaction ends.
func (tx *Tx) LockRun(id uuid.UUID) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := tx.locking().First(&run, "id = ?", id).Error; err != nil {
		return nil, classify(err, "lock run %s", id)
	}
	return &run, nil
}

// GetStateInstance loads a state instance with its tasks.
func (tx *Tx) GetStateInstance(id uuid.UUID) (*StateInstance, error) {
	return tx.loadState(tx.db, "id = ?", id)
}

// LockStateInstance loads a state instance with its tasks and locks its row
// until the transaction ends. SQLite serializes transactions instead.
func (tx *Tx) LockStateInstance(id uuid.UUID) (*StateInstance, error) {
	return tx.loadState(tx.locking(), "id = ?", id)
}

// StateInstanceByName loads a run's state instance by state name.
func (tx *Tx) StateInstanceByName(runID uuid.UUID, name string) (*StateInstance, error) {
	return tx.loadState(tx.locking(), "run_id = ? AND name = ?", runID, name)
}

func (tx *Tx) loadState(db *gorm.DB, query string, args ...any) (*StateInstance, error) {
	var st StateInstance
	err := db.
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where(query, args...).
		First(&st).Error
	if err != nil {
		return nil, classify(err, "get state instance")
	}
	return &st, nil
}

func (tx *Tx) locking() *gorm.DB {
	if tx.db.Dialector.Name() == DriverPostgres {
		return tx.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx.db
}

// SaveRun writes the run's own columns.
func (tx *Tx) SaveRun(run *WorkflowRun) error {
	return classify(tx.db.Omit(clause.Associations).Save(run).Error, "save run %s", run.ID)
}

// SaveState writes the state instance's own columns.
func (tx *Tx) SaveState(st *StateInstance) error {
	return classify(tx.db.Omit(clause.Associations).Save(st).Error, "save state %s", st.Name)
}

// SaveTasks writes every task of the state instance.
func (tx *Tx) SaveTasks(st *StateInstance) error {
	for i := range st.Tasks {
		if err := tx.db.Save(&st.Tasks[i]).Error; err != nil {
			return classify(err, "save task %s", st.Tasks[i].Name)
		}
	}
	return nil
}
