package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
)

const defaultPollInterval = 500 * time.Millisecond

// Orchestrator traverses the job graph: it promotes jobs whose dependencies
// succeeded, short-circuits jobs with a committed success marker, dispatches
// the rest through the target facade and rolls failures up to dependents.
//
// The status map is owned by the loop. Submission watchers run on their own
// goroutines and communicate terminal transitions back over one bounded
// events channel; they never touch the map.
type Orchestrator struct {
	graph        *models.JobGraph
	target       interfaces.Target
	logger       arbor.ILogger
	pollInterval time.Duration

	mu     sync.RWMutex
	status map[models.JobID]models.JobStatus

	inflight  map[models.JobID]interfaces.SubmissionHandle
	events    chan interfaces.StatusEvent
	cancelled bool
	cancelCh  chan struct{}
	cancelOne sync.Once

	topoIndex map[models.JobID]int
}

// New creates an orchestrator over a validated graph and a bound target
func New(graph *models.JobGraph, target interfaces.Target, logger arbor.ILogger) *Orchestrator {
	topoIndex := make(map[models.JobID]int, graph.Len())
	for i, id := range graph.TopoOrder() {
		topoIndex[id] = i
	}

	return &Orchestrator{
		graph:        graph,
		target:       target,
		logger:       logger,
		pollInterval: defaultPollInterval,
		status:       make(map[models.JobID]models.JobStatus),
		inflight:     make(map[models.JobID]interfaces.SubmissionHandle),
		events:       make(chan interfaces.StatusEvent, 64),
		cancelCh:     make(chan struct{}),
		topoIndex:    topoIndex,
	}
}

// Cancel requests cooperative shutdown: no new submissions, every in-flight
// handle cancelled, waiting jobs marked Cancelled. The loop then runs to
// completion to reap outstanding handles.
func (o *Orchestrator) Cancel() {
	o.cancelOne.Do(func() {
		close(o.cancelCh)
	})
}

// Snapshot returns a read-only copy of the status map for observers
func (o *Orchestrator) Snapshot() map[models.JobID]models.JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snapshot := make(map[models.JobID]models.JobStatus, len(o.status))
	for id, s := range o.status {
		snapshot[id] = s
	}
	return snapshot
}

// Logs fetches the captured output of a job for observers
func (o *Orchestrator) Logs(ctx context.Context, jobID models.JobID) (stdout, stderr []byte, err error) {
	return o.target.FetchLogs(ctx, jobID)
}

// Run resolves the transitive closure of roots and drives every job in it
// to a terminal state. Jobs outside the closure are neither touched nor
// checked.
func (o *Orchestrator) Run(ctx context.Context, roots []models.JobID) (*Report, error) {
	closure, err := o.graph.Closure(roots)
	if err != nil {
		return nil, err
	}

	for id := range closure {
		o.setStatus(id, models.Pending())
	}

	o.logger.Info().
		Int("jobs", len(closure)).
		Int("graph_size", o.graph.Len()).
		Msg("Run resolved")

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Fired channels are nilled out so a closed channel does not spin the
	// loop while outstanding handles are being reaped
	cancelCh := o.cancelCh
	ctxDone := ctx.Done()

	for {
		o.promote()
		o.observeCancellation(ctx)
		o.submitReady(ctx)

		if o.settled() {
			break
		}

		select {
		case ev := <-o.events:
			o.applyEvent(ev)
		case <-ticker.C:
		case <-cancelCh:
			// handled by observeCancellation on the next pass
			cancelCh = nil
		case <-ctxDone:
			o.Cancel()
			ctxDone = nil
		}
	}

	return o.report(), nil
}

// promote advances Pending jobs whose dependencies all succeeded to Ready,
// and skips jobs whose upstream failed, propagating recursively
func (o *Orchestrator) promote() {
	for changed := true; changed; {
		changed = false
		for id, status := range o.statusView() {
			if status.State != models.StatePending {
				continue
			}

			allOK := true
			blocked := false
			for _, dep := range o.graph.Job(id).Dependencies {
				dep := o.currentStatus(dep)
				switch {
				case dep.State == models.StateSuccess:
				case dep.IsTerminal():
					blocked = true
					allOK = false
				default:
					allOK = false
				}
			}

			switch {
			case blocked:
				o.setStatus(id, models.Skipped(models.SkipUpstreamFailure))
				o.logger.Debug().Str("job_id", string(id)).Msg("Skipped due to upstream failure")
				changed = true
			case allOK:
				o.setStatus(id, models.Ready())
				changed = true
			}
		}
	}
}

// observeCancellation applies the cancellation flag: waiting jobs become
// Cancelled and every in-flight handle is cancelled exactly once
func (o *Orchestrator) observeCancellation(ctx context.Context) {
	select {
	case <-o.cancelCh:
	default:
		return
	}

	if o.cancelled {
		return
	}
	o.cancelled = true

	o.logger.Info().Int("inflight", len(o.inflight)).Msg("Cancellation requested")

	for id, status := range o.statusView() {
		if status.State == models.StatePending || status.State == models.StateReady {
			o.setStatus(id, models.Cancelled(time.Now()))
		}
	}
	for id, handle := range o.inflight {
		if err := o.target.Cancel(ctx, handle); err != nil {
			o.logger.Warn().Err(err).Str("job_id", string(id)).Msg("Failed to cancel submission")
		}
	}
}

// submitReady admits Ready jobs while scheduler capacity allows, in
// readyQueue order. A job whose
// success marker already exists becomes a cached success without any
// runtime invocation.
func (o *Orchestrator) submitReady(ctx context.Context) {
	if o.cancelled {
		return
	}

	ready := o.readyQueue()
	capacity := o.target.SchedulerCapacity()

	for _, id := range ready {
		if capacity > 0 && len(o.inflight) >= capacity {
			return
		}

		cached, err := o.target.HasSuccess(ctx, id)
		if err != nil {
			o.logger.Warn().Err(err).Str("job_id", string(id)).Msg("Store check failed")
			o.setStatus(id, models.Failed(models.ErrorKindStore, nil, time.Now(), err.Error()))
			continue
		}
		if cached {
			o.logger.Info().Str("job_id", string(id)).Msg("Success marker present, using cached outputs")
			o.setStatus(id, models.Success(time.Now(), true))
			continue
		}

		handle, err := o.target.Submit(ctx, o.graph.Job(id))
		if err != nil {
			o.logger.Error().Err(err).Str("job_id", string(id)).Msg("Submission failed")
			o.setStatus(id, models.Failed(models.ErrorKindScheduler, nil, time.Now(), err.Error()))
			continue
		}

		o.setStatus(id, models.Running(time.Now(), handle.AttemptID))
		o.inflight[id] = handle
		go o.watch(ctx, id, handle)

		o.logger.Info().
			Str("job_id", string(id)).
			Str("attempt_id", handle.AttemptID).
			Msg("Job submitted")
	}
}

// watch polls one submission until it reaches a terminal state, then
// reports the transition over the events channel
func (o *Orchestrator) watch(ctx context.Context, id models.JobID, handle interfaces.SubmissionHandle) {
	for {
		status, err := o.target.Poll(ctx, handle)
		if err != nil {
			status = models.Failed(models.ErrorKindScheduler, nil, time.Now(), err.Error())
		}
		if status.IsTerminal() {
			o.events <- interfaces.StatusEvent{JobID: id, Status: status}
			return
		}

		select {
		case <-ctx.Done():
			o.events <- interfaces.StatusEvent{JobID: id, Status: models.Cancelled(time.Now())}
			return
		case <-time.After(o.pollInterval):
		}
	}
}

// applyEvent records a terminal transition reported by a watcher
func (o *Orchestrator) applyEvent(ev interfaces.StatusEvent) {
	current := o.currentStatus(ev.JobID)
	if current.State != models.StateRunning {
		return
	}

	o.setStatus(ev.JobID, ev.Status)
	delete(o.inflight, ev.JobID)

	switch ev.Status.State {
	case models.StateSuccess:
		o.logger.Info().Str("job_id", string(ev.JobID)).Msg("Job succeeded")
	case models.StateFailed:
		o.logger.Warn().
			Str("job_id", string(ev.JobID)).
			Str("kind", string(ev.Status.Kind)).
			Str("detail", ev.Status.Message).
			Msg("Job failed")
	case models.StateCancelled:
		o.logger.Info().Str("job_id", string(ev.JobID)).Msg("Job cancelled")
	case models.StateSkipped:
		o.logger.Info().
			Str("job_id", string(ev.JobID)).
			Str("reason", string(ev.Status.Reason)).
			Msg("Job skipped")
	}
}

// readyQueue returns Ready jobs ordered by topological depth ascending,
// then by position in the graph's topological order. For jobs at the same
// depth that position is not always their insertion order.
func (o *Orchestrator) readyQueue() []models.JobID {
	var ready []models.JobID
	for id, status := range o.statusView() {
		if status.State == models.StateReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		di, dj := o.graph.Depth(ready[i]), o.graph.Depth(ready[j])
		if di != dj {
			return di < dj
		}
		return o.topoIndex[ready[i]] < o.topoIndex[ready[j]]
	})
	return ready
}

// settled reports whether no job can make further progress
func (o *Orchestrator) settled() bool {
	for _, status := range o.statusView() {
		switch status.State {
		case models.StatePending, models.StateReady, models.StateRunning:
			return false
		}
	}
	return true
}

func (o *Orchestrator) setStatus(id models.JobID, status models.JobStatus) {
	o.mu.Lock()
	o.status[id] = status
	o.mu.Unlock()
}

func (o *Orchestrator) currentStatus(id models.JobID) models.JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status[id]
}

// statusView copies the map for safe iteration while the loop mutates it
func (o *Orchestrator) statusView() map[models.JobID]models.JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	view := make(map[models.JobID]models.JobStatus, len(o.status))
	for id, s := range o.status {
		view[id] = s
	}
	return view
}
