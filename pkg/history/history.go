// Package history records per-iteration run progress in a SQLite
// database so finished and running optimizations can be queried and
// exported.
package history

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/gd"
	"github.com/cyw0ng95/descent/pkg/sqliteopt"
	"github.com/cyw0ng95/descent/pkg/work"
)

// IterationRecord is one row of run progress.
type IterationRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RunID           string    `gorm:"index" json:"run_id"`
	Iteration       int       `json:"iteration"`
	Final           bool      `json:"final"`
	BestRaw         float64   `json:"best_raw"`
	BestTransformed float64   `json:"best_transformed"`
	Parents         int       `json:"parents"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is a gorm-backed run history. It implements gd.Recorder.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the history database and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.AutoMigrate(&IterationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	// Best effort: pragma and kernel tuning for the append workload
	if err := sqliteopt.Configure(db, path); err != nil {
		common.Warn("history: sqlite tuning failed: %v", err)
	}

	return &Store{db: db}, nil
}

// Record implements gd.Recorder by appending one iteration row.
func (s *Store) Record(runID string, iteration int, final bool, best gd.Fitness, parents []work.Item) error {
	rec := IterationRecord{
		RunID:           runID,
		Iteration:       iteration,
		Final:           final,
		BestRaw:         best.Raw,
		BestTransformed: best.Transformed,
		Parents:         len(parents),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return common.NewError(common.ErrCodeStorageWriteFailed, "cannot append iteration record", err, true)
	}
	return nil
}

// ListRun returns the records of one run in iteration order.
func (s *Store) ListRun(runID string) ([]IterationRecord, error) {
	var records []IterationRecord
	err := s.db.Where("run_id = ?", runID).
		Order("iteration asc, final asc").
		Find(&records).Error
	if err != nil {
		return nil, common.NewError(common.ErrCodeStorageReadFailed, "cannot list run records", err, true)
	}
	return records, nil
}

// BestForRun returns the lowest transformed fitness recorded for a run.
func (s *Store) BestForRun(runID string) (*IterationRecord, error) {
	var rec IterationRecord
	err := s.db.Where("run_id = ?", runID).
		Order("best_transformed asc").
		First(&rec).Error
	if err != nil {
		return nil, common.NewError(common.ErrCodeStorageReadFailed, "no records for run", err, false)
	}
	return &rec, nil
}

// Runs returns the distinct run ids, most recent first.
func (s *Store) Runs() ([]string, error) {
	var runs []string
	err := s.db.Model(&IterationRecord{}).
		Group("run_id").
		Order("MAX(id) desc").
		Pluck("run_id", &runs).Error
	if err != nil {
		return nil, common.NewError(common.ErrCodeStorageReadFailed, "cannot list runs", err, true)
	}
	return runs, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
