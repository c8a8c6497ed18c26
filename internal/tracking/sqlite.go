package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// RunRecord is one row per tracked run.
type RunRecord struct {
	ID         string `gorm:"primaryKey"`
	Project    string `gorm:"index"`
	Name       string
	Config     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ScalarRecord is one logged value.
type ScalarRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index"`
	Step      int64
	Key       string `gorm:"index"`
	Value     float64
	CreatedAt time.Time
}

func (RunRecord) TableName() string    { return "runs" }
func (ScalarRecord) TableName() string { return "scalars" }

type sqliteBackend struct {
	db    *gorm.DB
	runID string
}

// NewSQLiteBackend stores runs and scalars in a SQLite database at path.
func NewSQLiteBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("tracking: sqlite backend needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tracking: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("tracking: open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &ScalarRecord{}); err != nil {
		return nil, fmt.Errorf("tracking: migrate: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Start(ctx context.Context, run Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	b.runID = run.ID
	return b.db.WithContext(ctx).Create(&RunRecord{
		ID:        run.ID,
		Project:   run.Project,
		Name:      run.Name,
		Config:    string(cfg),
		StartedAt: run.StartedAt,
	}).Error
}

func (b *sqliteBackend) Write(ctx context.Context, ev Event) error {
	if len(ev.Values) == 0 {
		return nil
	}
	rows := make([]ScalarRecord, 0, len(ev.Values))
	for k, v := range ev.Values {
		rows = append(rows, ScalarRecord{RunID: ev.RunID, Step: ev.Step, Key: k, Value: v, CreatedAt: ev.Time})
	}
	return b.db.WithContext(ctx).Create(&rows).Error
}

func (b *sqliteBackend) Close(ctx context.Context) error {
	var errs []error
	if b.runID != "" {
		now := time.Now().UTC()
		errs = append(errs, b.db.WithContext(ctx).Model(&RunRecord{}).
			Where("id = ?", b.runID).Update("finished_at", now).Error)
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	return errors.Join(append(errs, sqlDB.Close())...)
}
