// Package taskstore is the durable task registry: one row per task, a nonce
// ledger for replay detection, and the per-task locks that serialize rounds.
// It is the only state shared between concurrent pipeline runs.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by Get for unknown tasks.
var ErrNotFound = errors.New("task not found")

// Store wraps the GORM database plus the configured lock backend.
type Store struct {
	db     *gorm.DB
	locker Locker
}

// Options configures Open.
type Options struct {
	// DatabaseURL selects postgres. Empty falls back to sqlite at Path.
	DatabaseURL string
	// Path is the sqlite file; ":memory:" is valid for tests.
	Path string
}

// Open connects to the configured database, runs migrations, and installs
// the database-lease lock backend. Use SetLocker to swap in redis.
func Open(opts Options) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	if opts.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(opts.DatabaseURL), gormConfig)
	} else {
		path := opts.Path
		if path == "" {
			path = "pagesmith.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.DatabaseURL != "" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite: one connection serializes writers and keeps ":memory:"
		// databases from splitting per pool connection.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Task{}, &NonceRecord{}, &TaskLock{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s := &Store{db: db}
	s.locker = &dbLocker{db: db}
	return s, nil
}

// SetLocker replaces the lock backend. Intended for the redis backend when
// multiple instances share one lock space.
func (s *Store) SetLocker(l Locker) {
	s.locker = l
}

// Get returns the task row, or ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns every task row, for the operator-facing status listing.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := s.db.WithContext(ctx).Order("updated_at desc").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Upsert atomically applies update to the task row, creating it first if
// absent. The whole read-modify-write runs in one transaction.
func (s *Store) Upsert(ctx context.Context, taskID string, update func(*Task)) (*Task, error) {
	var result Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		err := tx.First(&task, "task_id = ?", taskID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			task = Task{TaskID: taskID}
		case err != nil:
			return err
		}
		update(&task)
		if task.TaskID != taskID {
			return fmt.Errorf("upsert must not change task id")
		}
		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// NonceSeen reports whether (taskID, nonce) was already processed.
func (s *Store) NonceSeen(ctx context.Context, taskID, nonce string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&NonceRecord{}).
		Where("task_id = ? AND nonce = ?", taskID, nonce).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkNonceSeen records (taskID, nonce) in the replay ledger. Idempotent.
func (s *Store) MarkNonceSeen(ctx context.Context, taskID, nonce string) error {
	rec := NonceRecord{TaskID: taskID, Nonce: nonce, SeenAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND nonce = ?", taskID, nonce).
		FirstOrCreate(&rec).Error
	return err
}

// TryAcquireLock attempts to take the per-task lock without blocking.
// It returns a release func and true on success, or false when another
// round for the task is already in flight.
func (s *Store) TryAcquireLock(ctx context.Context, taskID, holder string, lease time.Duration) (func(), bool, error) {
	return s.locker.TryAcquire(ctx, taskID, holder, lease)
}
