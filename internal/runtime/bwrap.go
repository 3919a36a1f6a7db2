package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
)

// BwrapDriver runs the payload inside a user-namespace sandbox whose
// filesystem is the unpacked image rootfs plus read-only binds for the
// declared mount paths. The network namespace is unshared unless the job
// requires network access.
type BwrapDriver struct {
	logger arbor.ILogger
}

// Kind returns the runtime this driver implements
func (d *BwrapDriver) Kind() models.RuntimeKind {
	return models.RuntimeBwrap
}

// Invoke constructs the sandbox and runs the payload to completion
func (d *BwrapDriver) Invoke(ctx context.Context, inv interfaces.Invocation) (interfaces.InvocationResult, error) {
	if inv.ImageRef == "" {
		return interfaces.InvocationResult{}, fmt.Errorf("bwrap runtime requires an image reference")
	}
	layout := store.NewLayout(inv.BasePath)

	rootfs := layout.ImageRootfsPath(inv.ImageRef)
	if _, err := os.Stat(layout.ImageSuccessPath(inv.ImageRef)); err != nil {
		return interfaces.InvocationResult{}, fmt.Errorf("image %s is not unpacked: %w", inv.ImageRef, err)
	}

	stdout, stderr, err := openLogs(layout, inv.JobID)
	if err != nil {
		return interfaces.InvocationResult{}, err
	}
	defer stdout.Close()
	defer stderr.Close()

	argv := d.buildArgv(inv, layout, rootfs)

	d.logger.Debug().
		Str("job_id", string(inv.JobID)).
		Str("image", inv.ImageRef).
		Strs("argv", argv).
		Msg("Spawning sandboxed payload")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnv(inv)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

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

// buildArgv assembles the bwrap command line: image rootfs as the read-only
// root, the job's output directory writable, declared host paths read-only,
// /dev device-bound, /tmp as tmpfs
func (d *BwrapDriver) buildArgv(inv interfaces.Invocation, layout store.Layout, rootfs string) []string {
	outDir := layout.OutputDir(inv.JobID)

	argv := []string{
		"bwrap",
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--ro-bind", rootfs, "/",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", outDir, outDir,
		"--ro-bind", inv.ExecPath, inv.ExecPath,
	}

	if !inv.NetworkAccess {
		argv = append(argv, "--unshare-net")
	}

	seen := map[string]bool{outDir: true, inv.ExecPath: true}
	for _, p := range inv.Mounts.Paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		argv = append(argv, "--ro-bind", p, p)
	}

	if inv.HostToolsDir != "" && !seen[inv.HostToolsDir] {
		argv = append(argv, "--ro-bind", inv.HostToolsDir, inv.HostToolsDir)
	}

	argv = append(argv, "--chdir", outDir, inv.ExecPath)
	return argv
}
