// Package history persists one record per finished check run so repeated
// hunts over the same candidate list can be compared over time.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/bcodmo/regressoor/pkg/config"
	"github.com/bcodmo/regressoor/pkg/report"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one persisted check run.
type Run struct {
	ID          uint      `gorm:"primaryKey"`
	StartedAt   time.Time `gorm:"index"`
	Duration    string
	TasksFile   string
	OutputFile  string
	Expected    int
	Processed   int
	Buggy       int
	Errors      int
	Interrupted bool
	CreatedAt   time.Time
}

// Store records finished check runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// RecordRun inserts the aggregates of one finished run.
	RecordRun(ctx context.Context, run *Run) error

	// ListRuns returns past runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "history"),
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
		dialector = sqlite.Open(s.cfg.SQLite.Path)
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

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("History database connected")

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

// RecordRun inserts the aggregates of one finished run.
func (s *store) RecordRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	return nil
}

// ListRuns returns past runs, newest first.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// FromSummary converts a run summary into a history record.
func FromSummary(summary *report.RunSummary, startedAt time.Time, tasksFile, outputFile string) *Run {
	return &Run{
		StartedAt:   startedAt,
		Duration:    summary.Duration,
		TasksFile:   tasksFile,
		OutputFile:  outputFile,
		Expected:    summary.Counts.Expected,
		Processed:   summary.Counts.Processed,
		Buggy:       summary.Counts.Buggy,
		Errors:      summary.Counts.Errors,
		Interrupted: summary.WasInterrupted,
	}
}
