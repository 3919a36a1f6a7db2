package runtime

import (
	"context"
	"os/exec"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
)

// NativeDriver spawns the payload directly on the host: no isolation, the
// whole host filesystem visible (the impure mount spec). Working directory
// is the job's output directory.
type NativeDriver struct {
	logger arbor.ILogger
}

// Kind returns the runtime this driver implements
func (d *NativeDriver) Kind() models.RuntimeKind {
	return models.RuntimeNative
}

// Invoke runs the payload to completion with output captured to the store
func (d *NativeDriver) Invoke(ctx context.Context, inv interfaces.Invocation) (interfaces.InvocationResult, error) {
	layout := store.NewLayout(inv.BasePath)

	stdout, stderr, err := openLogs(layout, inv.JobID)
	if err != nil {
		return interfaces.InvocationResult{}, err
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := exec.Command(inv.ExecPath)
	cmd.Dir = layout.OutputDir(inv.JobID)
	cmd.Env = buildEnv(inv)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Debug().
		Str("job_id", string(inv.JobID)).
		Str("exec_path", inv.ExecPath).
		Msg("Spawning native payload")

	exitCode, err := runCaptured(ctx, cmd)
	if err != nil {
		return interfaces.InvocationResult{}, err
	}

	return interfaces.InvocationResult{
		ExitCode:   exitCode,
		StdoutPath: layout.StdoutPath(inv.JobID),
		StderrPath: layout.StderrPath(inv.JobID),
	}, nil
}
