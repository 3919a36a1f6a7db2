package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/repx/internal/models"
)

// GCReport summarises one garbage collection pass
type GCReport struct {
	RemovedOutputs []models.JobID
	RemovedImages  []string
}

// GC deletes output and image cache entries not reachable from the live
// set recorded in the lab: job directories whose ID is not live, and
// unpacked image caches whose hash no live job references
func (s *FileStore) GC(liveJobs map[models.JobID]bool, liveImages map[string]bool) (*GCReport, error) {
	report := &GCReport{}

	entries, err := os.ReadDir(s.layout.OutputsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := models.JobID(entry.Name())
		if liveJobs[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.layout.OutputsRoot(), entry.Name())); err != nil {
			return nil, fmt.Errorf("failed to remove outputs for %s: %w", id, err)
		}
		report.RemovedOutputs = append(report.RemovedOutputs, id)
		s.logger.Info().Str("job_id", string(id)).Msg("Collected unreachable job outputs")
	}

	caches, err := os.ReadDir(s.layout.ImageCacheRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to list image caches: %w", err)
	}
	for _, entry := range caches {
		if !entry.IsDir() || liveImages[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.layout.ImageCacheRoot(), entry.Name())); err != nil {
			return nil, fmt.Errorf("failed to remove image cache %s: %w", entry.Name(), err)
		}
		report.RemovedImages = append(report.RemovedImages, entry.Name())
		s.logger.Info().Str("image", entry.Name()).Msg("Collected unreferenced image cache")
	}

	return report, nil
}
