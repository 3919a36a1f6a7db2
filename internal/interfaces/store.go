package interfaces

import (
	"context"

	"github.com/ternarybob/repx/internal/models"
)

// InputsManifest records the declared inputs of a job at execution time.
// It is persisted to repx/inputs.json before the payload starts.
type InputsManifest struct {
	JobID     models.JobID `json:"job_id"`
	AttemptID string       `json:"attempt_id"`
	Inputs    []string     `json:"inputs"`
	ImageRef  string       `json:"image_ref,omitempty"`
	Runtime   string       `json:"runtime"`
}

// Store is the content-addressable on-disk layout under a target's base
// path. Outputs, caches and markers under it outlive the engine and are the
// persistence layer. The SUCCESS marker is always written last, by rename
// within the same directory, so its presence implies every other artefact
// for the job is complete and readable.
type Store interface {
	// HasSuccess atomically checks the per-job success marker
	HasSuccess(jobID models.JobID) bool

	// PrepareJobDirs idempotently creates outputs/<id>/{out,repx}
	PrepareJobDirs(jobID models.JobID) error

	// WriteInputsManifest persists repx/inputs.json before execution begins
	WriteInputsManifest(jobID models.JobID, manifest InputsManifest) error

	// CommitSuccess fsyncs the job's artefacts and renames a temporary
	// marker to SUCCESS
	CommitSuccess(jobID models.JobID) error

	// AcquireJobLock takes the per-job advisory lock with exclusive-create
	// semantics. It returns a release func on success, or ErrLockHeld when
	// another engine process owns the job.
	AcquireJobLock(jobID models.JobID) (release func(), err error)

	// EnsureImageUnpacked extracts artifacts/images/<hash>.tar into
	// cache/images/<hash>/rootfs, at most once per hash concurrently
	EnsureImageUnpacked(ctx context.Context, imageHash string) error
}
