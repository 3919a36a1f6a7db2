package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/store"
	"github.com/ternarybob/repx/internal/transport"
)

const (
	// squeuePollInterval bounds how often the queue is probed; probes are
	// batched across all in-flight jobs to avoid thrash on large graphs
	squeuePollInterval = 2 * time.Second

	// submitGracePeriod tolerates the queue transiently not listing a
	// just-submitted job
	submitGracePeriod = 30 * time.Second
)

// SlurmScheduler submits invocations to the batch workload manager through
// the transport. A job is Running while visible in the queue and resolves
// to Completed or Failed once it drains, determined by the SUCCESS marker
// written by the in-batch engine invocation.
type SlurmScheduler struct {
	transport interfaces.Transport
	layout    store.Layout
	logger    arbor.ILogger
	limiter   *rate.Limiter

	mu        sync.Mutex
	submitted map[string]time.Time               // batch ID -> submit time
	queue     map[string]interfaces.SubmissionState // last probed queue view
}

// NewSlurmScheduler creates a scheduler driving sbatch/squeue/scancel on
// the target host
func NewSlurmScheduler(transport interfaces.Transport, layout store.Layout, logger arbor.ILogger) *SlurmScheduler {
	return &SlurmScheduler{
		transport: transport,
		layout:    layout,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(squeuePollInterval), 1),
		submitted: make(map[string]time.Time),
		queue:     make(map[string]interfaces.SubmissionState),
	}
}

// Submit dispatches one invocation via sbatch and returns the
// batch-assigned ID
func (s *SlurmScheduler) Submit(ctx context.Context, spec interfaces.SubmitSpec) (interfaces.SubmissionHandle, error) {
	argv := []string{
		"sbatch",
		"--parsable",
		"--job-name", "repx-" + string(spec.JobID),
		"--output", s.layout.SlurmLogPattern(spec.JobID),
	}
	if spec.Resources.Partition != "" {
		argv = append(argv, "--partition", spec.Resources.Partition)
	}
	if spec.Resources.CPUsPerTask > 0 {
		argv = append(argv, "--cpus-per-task", strconv.Itoa(spec.Resources.CPUsPerTask))
	}
	if spec.Resources.Mem != "" {
		argv = append(argv, "--mem", spec.Resources.Mem)
	}
	if spec.Resources.Time != "" {
		argv = append(argv, "--time", spec.Resources.Time)
	}
	// --wrap hands the command to a remote shell; quote every element so
	// paths with spaces or metacharacters survive the round trip
	wrapped := make([]string, len(spec.Argv))
	for i, arg := range spec.Argv {
		wrapped[i] = transport.ShellQuote(arg)
	}
	argv = append(argv, "--wrap", strings.Join(wrapped, " "))

	completion, err := s.transport.Exec(ctx, interfaces.ExecSpec{Argv: argv, Env: spec.Env})
	if err != nil {
		return interfaces.SubmissionHandle{}, fmt.Errorf("sbatch failed: %w", err)
	}
	if completion.ExitCode != 0 {
		return interfaces.SubmissionHandle{}, fmt.Errorf("sbatch exited %d: %s", completion.ExitCode, completion.Stderr)
	}

	// --parsable prints "<jobid>" or "<jobid>;<cluster>"
	batchID := strings.TrimSpace(string(completion.Stdout))
	if i := strings.Index(batchID, ";"); i >= 0 {
		batchID = batchID[:i]
	}
	if batchID == "" {
		return interfaces.SubmissionHandle{}, fmt.Errorf("sbatch produced no job id")
	}

	s.mu.Lock()
	s.submitted[batchID] = time.Now()
	s.queue[batchID] = interfaces.SubmissionQueued
	s.mu.Unlock()

	s.logger.Info().
		Str("job_id", string(spec.JobID)).
		Str("batch_id", batchID).
		Msg("Submitted to batch queue")

	return interfaces.SubmissionHandle{
		JobID:     spec.JobID,
		AttemptID: spec.AttemptID,
		BatchID:   batchID,
	}, nil
}

// Poll reports the state of one submission, refreshing the batched queue
// view at most once per poll interval
func (s *SlurmScheduler) Poll(ctx context.Context, handle interfaces.SubmissionHandle) (interfaces.Submission, error) {
	if err := s.refreshQueue(ctx); err != nil {
		return interfaces.Submission{}, err
	}

	s.mu.Lock()
	state, listed := s.queue[handle.BatchID]
	submitTime := s.submitted[handle.BatchID]
	s.mu.Unlock()

	if listed {
		return interfaces.Submission{State: state}, nil
	}

	// Not in the queue: either drained, or submitted so recently that
	// squeue does not list it yet
	if time.Since(submitTime) < submitGracePeriod {
		if exists, err := s.transport.Exists(ctx, s.layout.SuccessPath(handle.JobID)); err == nil && exists {
			return interfaces.Submission{State: interfaces.SubmissionCompleted}, nil
		}
		return interfaces.Submission{State: interfaces.SubmissionQueued}, nil
	}

	return s.resolveDrained(ctx, handle)
}

// refreshQueue batches one squeue probe covering every in-flight batch ID
func (s *SlurmScheduler) refreshQueue(ctx context.Context) error {
	if !s.limiter.Allow() {
		return nil
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.submitted))
	for id := range s.submitted {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	completion, err := s.transport.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"squeue", "-h", "-o", "%i %t", "--jobs", strings.Join(ids, ",")},
	})
	if err != nil {
		return fmt.Errorf("squeue failed: %w", err)
	}
	// squeue exits non-zero when none of the listed jobs exist; treat that
	// as an empty queue view rather than an error

	view := make(map[string]interfaces.SubmissionState)
	for _, line := range strings.Split(strings.TrimSpace(string(completion.Stdout)), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		switch parts[1] {
		case "R", "CG":
			view[parts[0]] = interfaces.SubmissionRunning
		default:
			// PD and the other transient states count as queued
			view[parts[0]] = interfaces.SubmissionQueued
		}
	}

	s.mu.Lock()
	s.queue = view
	s.mu.Unlock()
	return nil
}

// resolveDrained maps a drained batch job to its terminal state: the
// SUCCESS marker decides, with sacct consulted best-effort for the exit code
func (s *SlurmScheduler) resolveDrained(ctx context.Context, handle interfaces.SubmissionHandle) (interfaces.Submission, error) {
	exists, err := s.transport.Exists(ctx, s.layout.SuccessPath(handle.JobID))
	if err != nil {
		return interfaces.Submission{}, err
	}
	if exists {
		s.forget(handle.BatchID)
		return interfaces.Submission{State: interfaces.SubmissionCompleted}, nil
	}

	exitCode := -1
	if completion, err := s.transport.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"sacct", "-j", handle.BatchID, "-o", "ExitCode", "-n", "-P", "-X"},
	}); err == nil && completion.ExitCode == 0 {
		// sacct prints "code:signal"
		field := strings.TrimSpace(string(completion.Stdout))
		if i := strings.Index(field, ":"); i > 0 {
			if code, err := strconv.Atoi(field[:i]); err == nil {
				exitCode = code
			}
		}
	}

	s.forget(handle.BatchID)
	return interfaces.Submission{State: interfaces.SubmissionFailed, ExitCode: exitCode}, nil
}

func (s *SlurmScheduler) forget(batchID string) {
	s.mu.Lock()
	delete(s.submitted, batchID)
	s.mu.Unlock()
}

// Cancel terminates a batch job via scancel
func (s *SlurmScheduler) Cancel(ctx context.Context, handle interfaces.SubmissionHandle) error {
	completion, err := s.transport.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"scancel", handle.BatchID},
	})
	if err != nil {
		return fmt.Errorf("scancel failed: %w", err)
	}
	if completion.ExitCode != 0 {
		return fmt.Errorf("scancel exited %d: %s", completion.ExitCode, completion.Stderr)
	}
	return nil
}

// Capacity is unbounded for the batch manager; admission control belongs
// to the workload manager itself
func (s *SlurmScheduler) Capacity() int {
	return 0
}
