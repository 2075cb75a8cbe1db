package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nightwatch-go/config"
	"nightwatch-go/internal/diagnostics"
	"nightwatch-go/internal/pipeline"

	"github.com/glebarez/sqlite" // Pure Go
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// Run is one pipeline run.
type Run struct {
	gorm.Model
	RunID           string `gorm:"uniqueIndex;not null"`
	Source          string
	Backend         string
	State           string    `gorm:"index"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      *time.Time
	FramesProcessed int
	FramesSkipped   int
	EmptyFrames     int
	FramesWritten   int
	Detections      int
	Error           string
}

// FrameDiagnostic is the outcome of the zero-detection diagnostics for one
// frame.
type FrameDiagnostic struct {
	gorm.Model
	RunID         string `gorm:"index;not null"`
	FrameIndex    int    `gorm:"index"`
	ArtifactPath  string
	ArtifactError string
	Min           float64
	Max           float64
	Mean          float64
	StdDev        float64
	Probes        datatypes.JSON `gorm:"type:json"` // []diagnostics.ProbeResult
	RecordedAt    time.Time
}

// FrameDetections stores the normalized detections of a frame that had any.
type FrameDetections struct {
	gorm.Model
	RunID      string `gorm:"index;not null"`
	FrameIndex int
	Count      int
	Detections datatypes.JSON `gorm:"type:json"` // []detection.Detection
	CapturedAt time.Time      `gorm:"index"`
}

// Store persists runs, diagnostics and detections in SQLite.
type Store struct {
	db *gorm.DB
}

// Open connects to the database file in cfg and migrates the schema.
func Open(cfg config.DBConfig) (*Store, error) {
	dbDir := filepath.Dir(cfg.File)
	if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory '%s': %w", dbDir, err)
	}

	gormLogger := gormlog.New(
		log.StandardLogger(),
		gormlog.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  gormlog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	db, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database '%s': %w", cfg.File, err)
	}

	if err := db.AutoMigrate(&Run{}, &FrameDiagnostic{}, &FrameDetections{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database ready")
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun implements pipeline.RunRecorder.
func (s *Store) StartRun(ctx context.Context, info pipeline.RunInfo) error {
	run := Run{
		RunID:     info.RunID,
		Source:    info.Source,
		Backend:   info.Backend,
		State:     pipeline.StateRunning.String(),
		StartedAt: info.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("failed to insert run %s: %w", info.RunID, err)
	}
	return nil
}

// FinishRun implements pipeline.RunRecorder. Runs that never started (the
// source failed to open) are inserted here.
func (s *Store) FinishRun(ctx context.Context, summary pipeline.RunSummary) error {
	var run Run
	err := s.db.WithContext(ctx).Where("run_id = ?", summary.RunID).First(&run).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		run = Run{
			RunID:     summary.RunID,
			Source:    summary.Stats.Source,
			Backend:   summary.Stats.Backend,
			StartedAt: summary.Stats.StartedAt,
		}
	case err != nil:
		return fmt.Errorf("failed to load run %s: %w", summary.RunID, err)
	}

	finished := summary.FinishedAt
	run.State = summary.State.String()
	run.FinishedAt = &finished
	run.FramesProcessed = summary.Stats.FrameIndex
	run.FramesSkipped = summary.Stats.FramesSkipped
	run.EmptyFrames = summary.Stats.EmptyFrames
	run.FramesWritten = summary.Stats.FramesWritten
	run.Detections = summary.Stats.Detections
	if summary.Err != nil {
		run.Error = summary.Err.Error()
	}

	if err := s.db.WithContext(ctx).Save(&run).Error; err != nil {
		return fmt.Errorf("failed to save run %s: %w", summary.RunID, err)
	}
	return nil
}

// RecordDiagnostic implements diagnostics.Recorder.
func (s *Store) RecordDiagnostic(ctx context.Context, r diagnostics.Report) error {
	probes, err := json.Marshal(r.Probes)
	if err != nil {
		return fmt.Errorf("failed to encode probes: %w", err)
	}
	rec := FrameDiagnostic{
		RunID:         r.RunID,
		FrameIndex:    r.FrameIndex,
		ArtifactPath:  r.ArtifactPath,
		ArtifactError: r.ArtifactErr,
		Min:           r.Stats.Min,
		Max:           r.Stats.Max,
		Mean:          r.Stats.Mean,
		StdDev:        r.Stats.StdDev,
		Probes:        datatypes.JSON(probes),
		RecordedAt:    r.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert diagnostic for frame %d: %w", r.FrameIndex, err)
	}
	return nil
}

// ObserveFrame implements pipeline.Observer. Frames without detections are
// not stored; the diagnostics table covers them.
func (s *Store) ObserveFrame(ctx context.Context, r pipeline.Result) {
	if len(r.Detections) == 0 {
		return
	}
	data, err := json.Marshal(r.Detections)
	if err != nil {
		log.Warnf("Failed to encode detections of frame %d: %v", r.Index, err)
		return
	}
	rec := FrameDetections{
		RunID:      r.RunID,
		FrameIndex: r.Index,
		Count:      len(r.Detections),
		Detections: datatypes.JSON(data),
		CapturedAt: r.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Warnf("Failed to store detections of frame %d: %v", r.Index, err)
	}
}

// GetRun returns a run by id, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Diagnostics returns the diagnostics of a run ordered by frame index.
func (s *Store) Diagnostics(ctx context.Context, runID string) ([]FrameDiagnostic, error) {
	var recs []FrameDiagnostic
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("frame_index").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostics of run %s: %w", runID, err)
	}
	return recs, nil
}

// Detections returns the stored detection frames of a run ordered by frame
// index.
func (s *Store) Detections(ctx context.Context, runID string) ([]FrameDetections, error) {
	var recs []FrameDetections
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("frame_index").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list detections of run %s: %w", runID, err)
	}
	return recs, nil
}
