package target

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/common"
	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
	"github.com/ternarybob/repx/internal/transport"
)

// Options configures a target facade binding
type Options struct {
	Name           string
	Transport      interfaces.Transport
	Scheduler      interfaces.Scheduler
	SchedulerKind  models.SchedulerKind
	BasePath       string
	DefaultRuntime models.RuntimeKind
	Admissible     []models.RuntimeKind
	Rules          *common.ResourceRules
	// ExtraMounts are read-only host paths added to every job's mount spec
	ExtraMounts []string
	// Impure switches to fully-impure execution (host filesystem visible)
	Impure bool
}

// Facade binds one Transport, one Scheduler, one Runtime and one Store into
// the single submit/poll/cancel/log surface the orchestrator drives
type Facade struct {
	opts      Options
	layout    store.Layout
	fileStore *store.FileStore // set when the transport addresses this host
	logger    arbor.ILogger

	engineOnce sync.Once
	enginePath string
	engineErr  error
}

// New creates a facade over an established transport and scheduler
func New(opts Options, logger arbor.ILogger) *Facade {
	f := &Facade{
		opts:   opts,
		layout: store.NewLayout(opts.BasePath),
		logger: logger,
	}
	if opts.Transport.IsLocal() {
		f.fileStore = store.NewFileStore(opts.BasePath, logger)
	}
	return f
}

// Submit stages everything one invocation needs on the target host and
// dispatches it through the scheduler
func (f *Facade) Submit(ctx context.Context, job *models.Job) (interfaces.SubmissionHandle, error) {
	runtimeKind := job.Runtime
	if runtimeKind == "" {
		runtimeKind = f.opts.DefaultRuntime
	}
	if !f.admits(runtimeKind) {
		return interfaces.SubmissionHandle{}, fmt.Errorf(
			"runtime %s is not admissible on target %s under scheduler %s",
			runtimeKind, f.opts.Name, f.opts.SchedulerKind)
	}

	if err := f.ensureSkeleton(ctx, job.ID); err != nil {
		return interfaces.SubmissionHandle{}, err
	}

	execPath, err := f.stagePayload(ctx, job)
	if err != nil {
		return interfaces.SubmissionHandle{}, err
	}

	if err := f.stageImage(ctx, job); err != nil {
		return interfaces.SubmissionHandle{}, err
	}

	enginePath, err := f.ensureEngine(ctx)
	if err != nil {
		return interfaces.SubmissionHandle{}, err
	}

	attemptID := common.NewAttemptID()

	if err := f.writeInputsManifest(ctx, job, attemptID, runtimeKind); err != nil {
		return interfaces.SubmissionHandle{}, err
	}

	argv := f.executeArgv(enginePath, job, execPath, runtimeKind)
	resources := f.opts.Rules.Resolve(job.ID, job.Resources)

	f.logger.Debug().
		Str("job_id", string(job.ID)).
		Str("runtime", string(runtimeKind)).
		Str("attempt_id", attemptID).
		Msg("Submitting job to scheduler")

	return f.opts.Scheduler.Submit(ctx, interfaces.SubmitSpec{
		JobID:     job.ID,
		AttemptID: attemptID,
		Argv:      argv,
		Resources: resources,
	})
}

// Poll maps the scheduler's view plus the SUCCESS marker to a job status
func (f *Facade) Poll(ctx context.Context, handle interfaces.SubmissionHandle) (models.JobStatus, error) {
	sub, err := f.opts.Scheduler.Poll(ctx, handle)
	if err != nil {
		return models.Failed(models.ErrorKindScheduler, nil, time.Now(), err.Error()), nil
	}

	switch sub.State {
	case interfaces.SubmissionQueued, interfaces.SubmissionRunning:
		return models.Running(time.Time{}, handle.AttemptID), nil

	case interfaces.SubmissionCancelled:
		return models.Cancelled(time.Now()), nil

	case interfaces.SubmissionCompleted:
		// Zero exit without the marker is a failure
		ok, err := f.HasSuccess(ctx, handle.JobID)
		if err != nil {
			return models.Failed(models.ErrorKindStore, nil, time.Now(), err.Error()), nil
		}
		if !ok {
			return models.Failed(models.ErrorKindRuntime, nil, time.Now(),
				"payload exited zero but no success marker was committed"), nil
		}
		return models.Success(time.Now(), false), nil

	case interfaces.SubmissionFailed:
		if sub.ExitCode == store.ExitCodeLockHeld {
			return models.Skipped(models.SkipLocked), nil
		}
		exitCode := sub.ExitCode
		return models.Failed(models.ErrorKindRuntime, &exitCode, time.Now(),
			fmt.Sprintf("invocation exited %d", sub.ExitCode)), nil
	}

	return models.JobStatus{}, fmt.Errorf("unknown submission state %q", sub.State)
}

// Cancel terminates a dispatched job
func (f *Facade) Cancel(ctx context.Context, handle interfaces.SubmissionHandle) error {
	return f.opts.Scheduler.Cancel(ctx, handle)
}

// HasSuccess checks the store's success marker on the target
func (f *Facade) HasSuccess(ctx context.Context, jobID models.JobID) (bool, error) {
	if f.fileStore != nil {
		return f.fileStore.HasSuccess(jobID), nil
	}
	return f.opts.Transport.Exists(ctx, f.layout.SuccessPath(jobID))
}

// FetchLogs returns the captured stdout and stderr of a job
func (f *Facade) FetchLogs(ctx context.Context, jobID models.JobID) ([]byte, []byte, error) {
	if f.fileStore != nil {
		stdout, err := os.ReadFile(f.layout.StdoutPath(jobID))
		if err != nil {
			return nil, nil, err
		}
		stderr, err := os.ReadFile(f.layout.StderrPath(jobID))
		if err != nil {
			return nil, nil, err
		}
		return stdout, stderr, nil
	}

	stdout, err := f.catRemote(ctx, f.layout.StdoutPath(jobID))
	if err != nil {
		return nil, nil, err
	}
	stderr, err := f.catRemote(ctx, f.layout.StderrPath(jobID))
	if err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// SchedulerCapacity exposes the admission bound for the orchestrator
func (f *Facade) SchedulerCapacity() int {
	return f.opts.Scheduler.Capacity()
}

// Close releases the transport
func (f *Facade) Close() error {
	return f.opts.Transport.Close()
}

func (f *Facade) admits(kind models.RuntimeKind) bool {
	if len(f.opts.Admissible) == 0 {
		return true
	}
	for _, k := range f.opts.Admissible {
		if k == kind {
			return true
		}
	}
	return false
}

// ensureSkeleton creates outputs/<id>/{out,repx} on the target
func (f *Facade) ensureSkeleton(ctx context.Context, jobID models.JobID) error {
	if f.fileStore != nil {
		return f.fileStore.PrepareJobDirs(jobID)
	}
	for _, dir := range []string{f.layout.OutputDir(jobID), f.layout.RepxDir(jobID)} {
		if err := f.opts.Transport.MkdirP(ctx, dir); err != nil {
			return fmt.Errorf("failed to create %s on target: %w", dir, err)
		}
	}
	return nil
}

// stagePayload uploads the executable payload for remote targets and
// returns the target-side path to execute
func (f *Facade) stagePayload(ctx context.Context, job *models.Job) (string, error) {
	if f.opts.Transport.IsLocal() {
		return job.ExecPath, nil
	}

	staged := f.layout.PayloadPath(job.ID, filepath.Base(job.ExecPath))
	if err := f.opts.Transport.PutFile(ctx, job.ExecPath, staged); err != nil {
		return "", fmt.Errorf("failed to stage payload for %s: %w", job.ID, err)
	}
	return staged, nil
}

// stageImage opportunistically uploads the packed image blob when the
// submitting host holds it under the same layout and the target does not
func (f *Facade) stageImage(ctx context.Context, job *models.Job) error {
	if job.ImageRef == "" || f.opts.Transport.IsLocal() {
		return nil
	}

	remoteTar := f.layout.ImageTarPath(job.ImageRef)
	exists, err := f.opts.Transport.Exists(ctx, remoteTar)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	localTar := f.layout.ImageTarPath(job.ImageRef)
	if _, err := os.Stat(localTar); err != nil {
		return fmt.Errorf("image %s present neither on target nor locally", job.ImageRef)
	}

	f.logger.Info().
		Str("image", job.ImageRef).
		Str("job_id", string(job.ID)).
		Msg("Uploading image blob to target")
	return f.opts.Transport.PutFile(ctx, localTar, remoteTar)
}

// ensureEngine stages the engine binary once per facade lifetime
func (f *Facade) ensureEngine(ctx context.Context) (string, error) {
	f.engineOnce.Do(func() {
		f.enginePath, f.engineErr = transport.EnsureEngineBinary(ctx, f.opts.Transport, f.layout, f.logger)
	})
	return f.enginePath, f.engineErr
}

// writeInputsManifest persists repx/inputs.json before execution begins
func (f *Facade) writeInputsManifest(ctx context.Context, job *models.Job, attemptID string, runtimeKind models.RuntimeKind) error {
	manifest := interfaces.InputsManifest{
		JobID:     job.ID,
		AttemptID: attemptID,
		Inputs:    job.Inputs,
		ImageRef:  job.ImageRef,
		Runtime:   string(runtimeKind),
	}

	if f.fileStore != nil {
		return f.fileStore.WriteInputsManifest(job.ID, manifest)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal inputs manifest: %w", err)
	}
	tmp, err := os.CreateTemp("", "repx-inputs-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	return f.opts.Transport.PutFile(ctx, tmp.Name(), f.layout.InputsManifestPath(job.ID))
}

// executeArgv builds the engine re-entry command line for one invocation
func (f *Facade) executeArgv(enginePath string, job *models.Job, execPath string, runtimeKind models.RuntimeKind) []string {
	argv := []string{
		enginePath, "internal-execute",
		"--job-id", string(job.ID),
		"--executable-path", execPath,
		"--base-path", f.opts.BasePath,
		"--host-tools-dir", f.layout.HostToolsDir(),
		"--runtime", string(runtimeKind),
	}
	if job.ImageRef != "" {
		argv = append(argv, "--image-tag", job.ImageRef)
	}
	for _, p := range job.Inputs {
		argv = append(argv, "--mount-paths", p)
	}
	for _, p := range f.opts.ExtraMounts {
		argv = append(argv, "--mount-paths", p)
	}
	if f.opts.Impure {
		argv = append(argv, "--mount-host-paths")
	}
	if job.NetworkAccess {
		argv = append(argv, "--allow-network")
	}
	return argv
}

func (f *Facade) catRemote(ctx context.Context, path string) ([]byte, error) {
	c, err := f.opts.Transport.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"cat", path},
	})
	if err != nil {
		return nil, err
	}
	if c.ExitCode != 0 {
		return nil, fmt.Errorf("cat %s exited %d: %s", path, c.ExitCode, c.Stderr)
	}
	return c.Stdout, nil
}
