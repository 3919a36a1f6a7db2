package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/repx/internal/models"
)

// Report summarises a completed run for the exit path: per-job terminal
// statuses plus the failure rollup printed at exit
type Report struct {
	Statuses map[models.JobID]models.JobStatus
}

func (o *Orchestrator) report() *Report {
	return &Report{Statuses: o.Snapshot()}
}

// Succeeded reports whether every job reached Success
func (r *Report) Succeeded() bool {
	for _, status := range r.Statuses {
		if status.State != models.StateSuccess {
			return false
		}
	}
	return true
}

// Counts returns the number of jobs per terminal state
func (r *Report) Counts() map[models.JobState]int {
	counts := make(map[models.JobState]int)
	for _, status := range r.Statuses {
		counts[status.State]++
	}
	return counts
}

// Summary renders the failure rollup: one line per unsuccessful job,
// sorted by job ID, plus totals
func (r *Report) Summary() string {
	var sb strings.Builder
	counts := r.Counts()

	ids := make([]string, 0, len(r.Statuses))
	for id := range r.Statuses {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		status := r.Statuses[models.JobID(id)]
		switch status.State {
		case models.StateFailed:
			detail := string(status.Kind)
			if status.ExitCode != nil {
				detail = fmt.Sprintf("%s, exit %d", detail, *status.ExitCode)
			}
			fmt.Fprintf(&sb, "  %-30s failed (%s)\n", id, detail)
		case models.StateSkipped:
			fmt.Fprintf(&sb, "  %-30s skipped (%s)\n", id, status.Reason)
		case models.StateCancelled:
			fmt.Fprintf(&sb, "  %-30s cancelled\n", id)
		}
	}

	fmt.Fprintf(&sb, "%d succeeded", counts[models.StateSuccess])
	cached := 0
	for _, status := range r.Statuses {
		if status.State == models.StateSuccess && status.Cached {
			cached++
		}
	}
	if cached > 0 {
		fmt.Fprintf(&sb, " (%d cached)", cached)
	}
	for _, state := range []models.JobState{models.StateFailed, models.StateSkipped, models.StateCancelled} {
		if counts[state] > 0 {
			fmt.Fprintf(&sb, ", %d %s", counts[state], state)
		}
	}
	return sb.String()
}
