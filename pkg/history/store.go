// Package history persists job status updates and answers the console's
// "jobs by date" and run-duration questions.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Config struct {
	Driver Driver
	DSN    string
}

// JobStatusRecord is one received job status update.
type JobStatusRecord struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"`
	JobID      int64     `gorm:"index;not null" json:"jobId"`
	Status     string    `gorm:"size:64;not null" json:"status"`
	Message    string    `json:"message,omitempty"`
	Topic      string    `gorm:"size:255" json:"topic"`
	ReceivedAt time.Time `gorm:"index;not null" json:"receivedAt"`
}

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

func ParseDriver(raw string) (Driver, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "", "sqlite":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported history driver %q (expected sqlite or postgres)", raw)
	}
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("history: dsn is required")
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err == nil {
			err = sqlitePragmas(db)
		}
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&JobStatusRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func sqlitePragmas(db *gorm.DB) error {
	for _, pragma := range []string{
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA journal_mode=WAL;`,
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts rec, assigning an ID when it has none.
func (s *Store) Record(ctx context.Context, rec *JobStatusRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("history: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Job returns the records of one job in the order they were received.
func (s *Store) Job(ctx context.Context, jobID int64) ([]JobStatusRecord, error) {
	var recs []JobStatusRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("received_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("history: job %d: %w", jobID, err)
	}
	return recs, nil
}

func (s *Store) since(ctx context.Context, since time.Time) ([]JobStatusRecord, error) {
	var recs []JobStatusRecord
	q := s.db.WithContext(ctx).Order("received_at ASC, id ASC")
	if !since.IsZero() {
		q = q.Where("received_at >= ?", since)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return recs, nil
}
