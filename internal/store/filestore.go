package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
)

// FileStore is the native-filesystem implementation of the Store contract.
// It runs on the host where jobs execute: directly for local targets, and
// inside the engine's re-entry invocation on remote targets.
//
// Renames within the store are atomic on a single filesystem; the layout
// never moves artefacts across filesystem boundaries.
type FileStore struct {
	layout Layout
	logger arbor.ILogger
}

// NewFileStore creates a store rooted at basePath
func NewFileStore(basePath string, logger arbor.ILogger) *FileStore {
	return &FileStore{
		layout: NewLayout(basePath),
		logger: logger,
	}
}

// Layout exposes the path computation for callers that need raw paths
func (s *FileStore) Layout() Layout {
	return s.layout
}

// HasSuccess atomically checks the per-job success marker. A job directory
// lacking the marker is invalid and may be rewritten.
func (s *FileStore) HasSuccess(jobID models.JobID) bool {
	_, err := os.Stat(s.layout.SuccessPath(jobID))
	return err == nil
}

// PrepareJobDirs idempotently creates outputs/<id>/{out,repx}
func (s *FileStore) PrepareJobDirs(jobID models.JobID) error {
	for _, dir := range []string{s.layout.OutputDir(jobID), s.layout.RepxDir(jobID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create job directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteInputsManifest persists repx/inputs.json before execution begins
func (s *FileStore) WriteInputsManifest(jobID models.JobID, manifest interfaces.InputsManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal inputs manifest: %w", err)
	}
	path := s.layout.InputsManifestPath(jobID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write inputs manifest %s: %w", path, err)
	}
	return nil
}

// CommitSuccess fsyncs the job's artefacts and renames a temporary marker to
// SUCCESS. The marker is written last: its presence implies every other
// artefact for the job is complete and readable.
func (s *FileStore) CommitSuccess(jobID models.JobID) error {
	if err := syncTree(s.layout.OutputDir(jobID)); err != nil {
		return fmt.Errorf("failed to sync outputs for %s: %w", jobID, err)
	}
	if err := syncTree(s.layout.RepxDir(jobID)); err != nil {
		return fmt.Errorf("failed to sync metadata for %s: %w", jobID, err)
	}

	if err := atomicMarker(s.layout.SuccessPath(jobID)); err != nil {
		return fmt.Errorf("failed to commit success for %s: %w", jobID, err)
	}

	s.logger.Debug().Str("job_id", string(jobID)).Msg("Success marker committed")
	return nil
}

// AcquireJobLock takes the per-job advisory lock with exclusive-create
// semantics, guarding against two runtime invocations for the same job
// coexisting across engine processes that share the store
func (s *FileStore) AcquireJobLock(jobID models.JobID) (func(), error) {
	if err := os.MkdirAll(s.layout.JobDir(jobID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	return acquireFileLock(s.layout.JobLockPath(jobID))
}

// atomicMarker writes an empty marker by rename from a temporary path in the
// same directory, then syncs the directory so the rename is durable
func atomicMarker(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-marker-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

// syncTree fsyncs every regular file under root, then the directories
func syncTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return syncDir(path)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
