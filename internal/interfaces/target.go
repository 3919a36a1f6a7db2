package interfaces

import (
	"context"

	"github.com/ternarybob/repx/internal/models"
)

// Target binds one Transport, one Store, one Scheduler and one Runtime into
// the single submit/poll/cancel/log surface the orchestrator drives. The
// facade owns remote bootstrap: staging the engine binary and the payload,
// ensuring the store skeleton, and writing the inputs manifest.
type Target interface {
	// Submit dispatches one job for execution
	Submit(ctx context.Context, job *models.Job) (SubmissionHandle, error)

	// Poll maps the current scheduler state plus the store's SUCCESS marker
	// to a job status on every call
	Poll(ctx context.Context, handle SubmissionHandle) (models.JobStatus, error)

	// Cancel terminates a dispatched job
	Cancel(ctx context.Context, handle SubmissionHandle) error

	// HasSuccess checks the store's success marker for idempotent reuse
	HasSuccess(ctx context.Context, jobID models.JobID) (bool, error)

	// FetchLogs returns the captured stdout and stderr of a job
	FetchLogs(ctx context.Context, jobID models.JobID) (stdout, stderr []byte, err error)

	// SchedulerCapacity exposes the bound used by the orchestrator's
	// admission loop; 0 means unbounded
	SchedulerCapacity() int

	// Close releases transport resources
	Close() error
}
