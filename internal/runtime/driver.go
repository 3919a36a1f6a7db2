package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
)

// killGracePeriod is how long a cancelled child may run between SIGTERM and
// SIGKILL of its process group
const killGracePeriod = 10 * time.Second

// New constructs the driver for a runtime kind
func New(kind models.RuntimeKind, logger arbor.ILogger) (interfaces.RuntimeDriver, error) {
	switch kind {
	case models.RuntimeNative:
		return &NativeDriver{logger: logger}, nil
	case models.RuntimeBwrap:
		return &BwrapDriver{logger: logger}, nil
	case models.RuntimePodman:
		return &OCIDriver{engine: "podman", logger: logger}, nil
	case models.RuntimeDocker:
		return &OCIDriver{engine: "docker", logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown runtime %q", kind)
}

// openLogs opens the store's capture files for one invocation. Drivers tee
// stdout and stderr here before returning.
func openLogs(layout store.Layout, jobID models.JobID) (stdout, stderr *os.File, err error) {
	stdout, err = os.OpenFile(layout.StdoutPath(jobID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err = os.OpenFile(layout.StderrPath(jobID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("failed to open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// runCaptured runs the prepared command with output already wired to the
// store logs and maps the process outcome to an exit code. The child runs
// in its own process group so cancellation can terminate the whole tree.
func runCaptured(ctx context.Context, cmd *exec.Cmd) (int, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		terminateGroup(cmd, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGracePeriod):
			terminateGroup(cmd, syscall.SIGKILL)
			<-done
		}
		return -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		}
		return 0, nil
	}
}

// terminateGroup signals the child's process group
func terminateGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, sig)
}

// buildEnv renders the invocation environment for a child process
func buildEnv(inv interfaces.Invocation) []string {
	env := os.Environ()
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	return env
}
