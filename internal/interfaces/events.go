package interfaces

import (
	"github.com/ternarybob/repx/internal/models"
)

// StatusEvent is one job status transition, produced by submission watchers
// and consumed by the orchestrator loop over a single many-to-one channel.
// The status map itself is owned by the loop and never mutated from worker
// goroutines.
type StatusEvent struct {
	JobID  models.JobID
	Status models.JobStatus
}

// StatusObserver is the contract for read-only observers of the status map,
// such as a TUI. An observer issues control requests through the
// CLI-visible operations, never against internal state. The orchestrator
// does not call observers itself; they read snapshots through
// Orchestrator.Snapshot.
type StatusObserver interface {
	// ObserveStatus receives one snapshot of the status map
	ObserveStatus(snapshot map[models.JobID]models.JobStatus)
}
