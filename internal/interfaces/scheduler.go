package interfaces

import (
	"context"

	"github.com/ternarybob/repx/internal/models"
)

// SubmitSpec is one runtime invocation to dispatch on the target host.
// Argv re-enters the engine binary's internal execution entry point with
// the right runtime, image and mount arguments.
type SubmitSpec struct {
	JobID     models.JobID
	AttemptID string
	Argv      []string
	Env       map[string]string
	Resources models.ResourceHints
}

// SubmissionState is the scheduler-side view of a dispatched invocation
type SubmissionState string

// SubmissionState constants
const (
	SubmissionQueued    SubmissionState = "queued"
	SubmissionRunning   SubmissionState = "running"
	SubmissionCompleted SubmissionState = "completed"
	SubmissionFailed    SubmissionState = "failed"
	SubmissionCancelled SubmissionState = "cancelled"
)

// Submission reports the observed state of a dispatched invocation
type Submission struct {
	State SubmissionState
	// ExitCode is valid once State is Completed or Failed; a negative value
	// means the exit code could not be observed
	ExitCode int
}

// SubmissionHandle identifies one dispatched invocation within a scheduler
type SubmissionHandle struct {
	JobID     models.JobID
	AttemptID string
	// BatchID is the workload-manager-assigned ID for batch schedulers
	BatchID string
}

// Scheduler dispatches runtime invocations on a target host: either a
// bounded local worker pool or a batch workload manager reached through
// the transport.
type Scheduler interface {
	// Submit dispatches one invocation and returns without waiting
	Submit(ctx context.Context, spec SubmitSpec) (SubmissionHandle, error)

	// Poll reports the current state of a dispatched invocation
	Poll(ctx context.Context, handle SubmissionHandle) (Submission, error)

	// Cancel terminates a dispatched invocation
	Cancel(ctx context.Context, handle SubmissionHandle) error

	// Capacity returns the maximum number of concurrently running
	// invocations the scheduler admits; 0 means unbounded
	Capacity() int
}
