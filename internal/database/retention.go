package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PruneRuns deletes runs that started before cutoff together with their
// diagnostics, detections and diagnostic artifacts on disk. It returns the
// number of runs removed.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).Where("started_at < ?", cutoff).Find(&runs).Error; err != nil {
		return 0, fmt.Errorf("failed to find old runs: %w", err)
	}
	if len(runs) == 0 {
		log.Debugf("Retention: no runs older than %s", cutoff.Format(time.RFC3339))
		return 0, nil
	}

	deleted, failed := 0, 0
	for _, run := range runs {
		if err := s.deleteRun(ctx, run); err != nil {
			log.Errorf("Retention: failed to delete run %s: %v", run.RunID, err)
			failed++
			continue
		}
		deleted++
	}
	log.Infof("Retention finished. Deleted runs: %d, failed: %d", deleted, failed)
	if failed > 0 {
		return deleted, fmt.Errorf("%d runs could not be deleted", failed)
	}
	return deleted, nil
}

func (s *Store) deleteRun(ctx context.Context, run Run) error {
	var artifacts []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&FrameDiagnostic{}).Where("run_id = ? AND artifact_path <> ''", run.RunID).
			Pluck("artifact_path", &artifacts).Error; err != nil {
			return fmt.Errorf("failed to list artifacts: %w", err)
		}
		if err := tx.Unscoped().Where("run_id = ?", run.RunID).Delete(&FrameDiagnostic{}).Error; err != nil {
			return fmt.Errorf("failed to delete diagnostics: %w", err)
		}
		if err := tx.Unscoped().Where("run_id = ?", run.RunID).Delete(&FrameDetections{}).Error; err != nil {
			return fmt.Errorf("failed to delete detections: %w", err)
		}
		if err := tx.Unscoped().Delete(&run).Error; err != nil {
			return fmt.Errorf("failed to delete run record: %w", err)
		}
		unreferenced, err := orphaned(tx, artifacts)
		if err != nil {
			return err
		}
		artifacts = unreferenced
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range artifacts {
		removeArtifact(path)
		removeArtifact(strings.TrimSuffix(path, ".jpg") + ".json")
	}
	log.Debugf("Retention: deleted run %s and %d unreferenced artifacts", run.RunID, len(artifacts))
	return nil
}

// orphaned filters paths down to those no remaining diagnostic row points
// to. Artifact names are keyed by frame index, so later runs overwrite and
// reference the same files.
func orphaned(tx *gorm.DB, paths []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		var refs int64
		if err := tx.Model(&FrameDiagnostic{}).Where("artifact_path = ?", path).Count(&refs).Error; err != nil {
			return nil, fmt.Errorf("failed to check references to %s: %w", path, err)
		}
		if refs == 0 {
			out = append(out, path)
		}
	}
	return out, nil
}

// removeArtifact deletes a file; missing files are fine, other failures are
// logged since the records are already gone.
func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Retention: failed to delete artifact '%s': %v", path, err)
	}
}
