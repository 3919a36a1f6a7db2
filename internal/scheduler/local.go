package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/repx/internal/interfaces"
)

// LocalScheduler executes invocations in a bounded worker pool on the
// target host. Admission is first-come-first-served in the orchestrator's
// ready-queue order; cancellation terminates the running child process
// tree through the transport's context.
type LocalScheduler struct {
	transport interfaces.Transport
	capacity  int
	logger    arbor.ILogger

	group *errgroup.Group

	mu   sync.Mutex
	subs map[string]*localSubmission // keyed by attempt ID
}

type localSubmission struct {
	state    interfaces.SubmissionState
	exitCode int
	cancel   context.CancelFunc
}

// NewLocalScheduler creates a pool admitting up to concurrency invocations
func NewLocalScheduler(transport interfaces.Transport, concurrency int, logger arbor.ILogger) *LocalScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	group := &errgroup.Group{}
	group.SetLimit(concurrency)

	return &LocalScheduler{
		transport: transport,
		capacity:  concurrency,
		logger:    logger,
		group:     group,
		subs:      make(map[string]*localSubmission),
	}
}

// Submit dispatches one invocation into the pool without waiting
func (s *LocalScheduler) Submit(ctx context.Context, spec interfaces.SubmitSpec) (interfaces.SubmissionHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	sub := &localSubmission{
		state:  interfaces.SubmissionQueued,
		cancel: cancel,
	}

	s.mu.Lock()
	s.subs[spec.AttemptID] = sub
	s.mu.Unlock()

	started := s.group.TryGo(func() error {
		s.run(runCtx, spec, sub)
		return nil
	})
	if !started {
		// The orchestrator bounds admissions by Capacity, so a full pool
		// here is a programming error rather than expected contention
		s.mu.Lock()
		delete(s.subs, spec.AttemptID)
		s.mu.Unlock()
		cancel()
		return interfaces.SubmissionHandle{}, fmt.Errorf("worker pool full: %d invocations in flight", s.capacity)
	}

	return interfaces.SubmissionHandle{
		JobID:     spec.JobID,
		AttemptID: spec.AttemptID,
	}, nil
}

func (s *LocalScheduler) run(ctx context.Context, spec interfaces.SubmitSpec, sub *localSubmission) {
	s.setState(sub, interfaces.SubmissionRunning, 0)

	s.logger.Debug().
		Str("job_id", string(spec.JobID)).
		Str("attempt_id", spec.AttemptID).
		Msg("Worker picked up invocation")

	completion, err := s.transport.Exec(ctx, interfaces.ExecSpec{
		Argv: spec.Argv,
		Env:  spec.Env,
	})

	switch {
	case ctx.Err() != nil:
		s.setState(sub, interfaces.SubmissionCancelled, -1)
	case err != nil:
		s.logger.Warn().
			Err(err).
			Str("job_id", string(spec.JobID)).
			Msg("Invocation failed to execute")
		s.setState(sub, interfaces.SubmissionFailed, -1)
	case completion.ExitCode != 0:
		s.setState(sub, interfaces.SubmissionFailed, completion.ExitCode)
	default:
		s.setState(sub, interfaces.SubmissionCompleted, 0)
	}
}

func (s *LocalScheduler) setState(sub *localSubmission, state interfaces.SubmissionState, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.state = state
	sub.exitCode = exitCode
}

// Poll reports the current state of a dispatched invocation
func (s *LocalScheduler) Poll(ctx context.Context, handle interfaces.SubmissionHandle) (interfaces.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[handle.AttemptID]
	if !ok {
		return interfaces.Submission{}, fmt.Errorf("unknown submission %s", handle.AttemptID)
	}
	return interfaces.Submission{State: sub.state, ExitCode: sub.exitCode}, nil
}

// Cancel terminates a dispatched invocation's process tree
func (s *LocalScheduler) Cancel(ctx context.Context, handle interfaces.SubmissionHandle) error {
	s.mu.Lock()
	sub, ok := s.subs[handle.AttemptID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown submission %s", handle.AttemptID)
	}
	sub.cancel()
	return nil
}

// Capacity returns the worker pool bound
func (s *LocalScheduler) Capacity() int {
	return s.capacity
}

// Drain waits for all in-flight invocations to finish
func (s *LocalScheduler) Drain() {
	s.group.Wait()
}
