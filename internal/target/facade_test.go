package target

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/common"
	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
	"github.com/ternarybob/repx/internal/transport"
)

func localTransportForTest(t *testing.T) interfaces.Transport {
	t.Helper()
	return transport.NewLocalTransport(arbor.NewLogger())
}

// fakeScheduler records submissions and plays back a scripted state
type fakeScheduler struct {
	mu         sync.Mutex
	specs      []interfaces.SubmitSpec
	submission interfaces.Submission
	cancelled  []string
}

func (f *fakeScheduler) Submit(ctx context.Context, spec interfaces.SubmitSpec) (interfaces.SubmissionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return interfaces.SubmissionHandle{JobID: spec.JobID, AttemptID: spec.AttemptID}, nil
}

func (f *fakeScheduler) Poll(ctx context.Context, handle interfaces.SubmissionHandle) (interfaces.Submission, error) {
	return f.submission, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, handle interfaces.SubmissionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle.AttemptID)
	return nil
}

func (f *fakeScheduler) Capacity() int { return 4 }

// fakeRemoteTransport pretends to address a remote host, recording the
// staged files and created directories
type fakeRemoteTransport struct {
	mu       sync.Mutex
	puts     map[string]string // dst -> src
	mkdirs   []string
	existing map[string]bool
}

func newFakeRemoteTransport() *fakeRemoteTransport {
	return &fakeRemoteTransport{
		puts:     make(map[string]string),
		existing: make(map[string]bool),
	}
}

func (f *fakeRemoteTransport) Exec(ctx context.Context, spec interfaces.ExecSpec) (interfaces.Completion, error) {
	return interfaces.Completion{}, nil
}

func (f *fakeRemoteTransport) PutFile(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[dst] = src
	return nil
}

func (f *fakeRemoteTransport) GetFile(ctx context.Context, src, dst string) error { return nil }

func (f *fakeRemoteTransport) Exists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[path], nil
}

func (f *fakeRemoteTransport) MkdirP(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirs = append(f.mkdirs, path)
	return nil
}

func (f *fakeRemoteTransport) IsLocal() bool { return false }
func (f *fakeRemoteTransport) Close() error  { return nil }

func localFacade(t *testing.T, sched interfaces.Scheduler, opts func(*Options)) (*Facade, string) {
	t.Helper()
	basePath := t.TempDir()
	o := Options{
		Name:           "local",
		Transport:      localTransportForTest(t),
		Scheduler:      sched,
		SchedulerKind:  models.SchedulerLocal,
		BasePath:       basePath,
		DefaultRuntime: models.RuntimeNative,
		Rules:          &common.ResourceRules{},
	}
	if opts != nil {
		opts(&o)
	}
	return New(o, arbor.NewLogger()), basePath
}

func TestSubmit_BuildsInternalExecuteArgv(t *testing.T) {
	sched := &fakeScheduler{}
	f, basePath := localFacade(t, sched, nil)

	job := &models.Job{
		ID:       "sim",
		Name:     "sim",
		ExecPath: "/payloads/run.sh",
		Inputs:   []string{"/data/input.csv"},
	}

	_, err := f.Submit(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, sched.specs, 1)
	spec := sched.specs[0]
	joined := strings.Join(spec.Argv, " ")

	assert.Contains(t, joined, "internal-execute")
	assert.Contains(t, joined, "--job-id sim")
	assert.Contains(t, joined, "--executable-path /payloads/run.sh")
	assert.Contains(t, joined, "--base-path "+basePath)
	assert.Contains(t, joined, "--runtime native")
	assert.Contains(t, joined, "--mount-paths /data/input.csv")
	assert.NotContains(t, joined, "--image-tag")
	assert.NotEmpty(t, spec.AttemptID)

	// Inputs manifest written before dispatch
	layout := store.NewLayout(basePath)
	assert.FileExists(t, layout.InputsManifestPath("sim"))
	assert.DirExists(t, layout.OutputDir("sim"))
}

func TestSubmit_ResolvesResources(t *testing.T) {
	sched := &fakeScheduler{}
	f, _ := localFacade(t, sched, func(o *Options) {
		o.Rules = &common.ResourceRules{
			Defaults: models.ResourceHints{Partition: "batch", Time: "01:00:00"},
			Rules: []common.ResourceRule{
				{JobIDGlob: "sim*", Mem: "32G"},
			},
		}
	})

	_, err := f.Submit(context.Background(), &models.Job{ID: "sim", Name: "sim", ExecPath: "/p"})
	require.NoError(t, err)

	require.Len(t, sched.specs, 1)
	assert.Equal(t, "batch", sched.specs[0].Resources.Partition)
	assert.Equal(t, "32G", sched.specs[0].Resources.Mem)
	assert.Equal(t, "01:00:00", sched.specs[0].Resources.Time)
}

func TestSubmit_RejectsInadmissibleRuntime(t *testing.T) {
	f, _ := localFacade(t, &fakeScheduler{}, func(o *Options) {
		o.Admissible = []models.RuntimeKind{models.RuntimeNative}
	})

	_, err := f.Submit(context.Background(), &models.Job{
		ID: "sim", Name: "sim", ExecPath: "/p",
		Runtime: models.RuntimeDocker, ImageRef: "sha256-x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not admissible")
}

func TestSubmit_RemoteStagesPayload(t *testing.T) {
	tr := newFakeRemoteTransport()
	sched := &fakeScheduler{}

	payload := t.TempDir() + "/run.sh"
	require.NoError(t, os.WriteFile(payload, []byte("#!/bin/sh\n"), 0755))

	f := New(Options{
		Name:           "cluster",
		Transport:      tr,
		Scheduler:      sched,
		SchedulerKind:  models.SchedulerSlurm,
		BasePath:       "/remote/store",
		DefaultRuntime: models.RuntimeNative,
		Rules:          &common.ResourceRules{},
	}, arbor.NewLogger())

	// Pretend the engine binary is already staged
	layout := store.NewLayout("/remote/store")
	f.engineOnce.Do(func() { f.enginePath = layout.EngineBinaryPath("deadbeef") })

	_, err := f.Submit(context.Background(), &models.Job{ID: "sim", Name: "sim", ExecPath: payload})
	require.NoError(t, err)

	staged := layout.PayloadPath("sim", "run.sh")
	assert.Equal(t, payload, tr.puts[staged], "payload not staged on target")
	assert.Contains(t, tr.mkdirs, layout.OutputDir("sim"))
	assert.Contains(t, tr.mkdirs, layout.RepxDir("sim"))

	require.Len(t, sched.specs, 1)
	assert.Contains(t, strings.Join(sched.specs[0].Argv, " "), "--executable-path "+staged)
}

func TestPoll_Mapping(t *testing.T) {
	sched := &fakeScheduler{}
	f, basePath := localFacade(t, sched, nil)

	handle := interfaces.SubmissionHandle{JobID: "sim", AttemptID: "att_1"}

	// Completed without a marker: zero exit is still a failure
	sched.submission = interfaces.Submission{State: interfaces.SubmissionCompleted}
	status, err := f.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, models.ErrorKindRuntime, status.Kind)

	// Completed with the marker committed
	fs := store.NewFileStore(basePath, arbor.NewLogger())
	require.NoError(t, fs.PrepareJobDirs("sim"))
	require.NoError(t, fs.CommitSuccess("sim"))
	status, err = f.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuccess, status.State)
	assert.False(t, status.Cached)

	// Lock-held exit maps to a locked skip
	sched.submission = interfaces.Submission{State: interfaces.SubmissionFailed, ExitCode: store.ExitCodeLockHeld}
	status, err = f.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.StateSkipped, status.State)
	assert.Equal(t, models.SkipLocked, status.Reason)

	// Ordinary failure carries the exit code
	sched.submission = interfaces.Submission{State: interfaces.SubmissionFailed, ExitCode: 9}
	status, err = f.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 9, *status.ExitCode)

	// Cancelled passes through
	sched.submission = interfaces.Submission{State: interfaces.SubmissionCancelled}
	status, err = f.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, status.State)
}
