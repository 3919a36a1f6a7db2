package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
)

// OCIDriver runs the payload in an OCI container via podman or docker:
// read-only root from the image, the job's output directory bind-mounted
// writable, declared host paths bind-mounted read-only.
type OCIDriver struct {
	engine string // "podman" or "docker"
	logger arbor.ILogger
}

// Kind returns the runtime this driver implements
func (d *OCIDriver) Kind() models.RuntimeKind {
	if d.engine == "docker" {
		return models.RuntimeDocker
	}
	return models.RuntimePodman
}

// Invoke loads the image by hash if absent and runs the container to
// completion
func (d *OCIDriver) Invoke(ctx context.Context, inv interfaces.Invocation) (interfaces.InvocationResult, error) {
	if inv.ImageRef == "" {
		return interfaces.InvocationResult{}, fmt.Errorf("%s runtime requires an image reference", d.engine)
	}
	layout := store.NewLayout(inv.BasePath)

	if err := d.ensureImageLoaded(ctx, layout, inv.ImageRef); err != nil {
		return interfaces.InvocationResult{}, err
	}

	stdout, stderr, err := openLogs(layout, inv.JobID)
	if err != nil {
		return interfaces.InvocationResult{}, err
	}
	defer stdout.Close()
	defer stderr.Close()

	argv := d.buildArgv(inv, layout)

	d.logger.Debug().
		Str("job_id", string(inv.JobID)).
		Str("engine", d.engine).
		Strs("argv", argv).
		Msg("Spawning container payload")

	cmd := exec.Command(argv[0], argv[1:]...)
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

// ensureImageLoaded loads the packed image blob into the engine's local
// daemon when the hash is not already known to it
func (d *OCIDriver) ensureImageLoaded(ctx context.Context, layout store.Layout, imageRef string) error {
	inspect := exec.CommandContext(ctx, d.engine, "image", "inspect", imageRef)
	if err := inspect.Run(); err == nil {
		return nil
	}

	tarPath := layout.ImageTarPath(imageRef)
	d.logger.Info().Str("image", imageRef).Str("tar", tarPath).Msg("Loading image into daemon")

	load := exec.CommandContext(ctx, d.engine, "load", "-i", tarPath)
	if out, err := load.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load image %s: %w: %s", imageRef, err, out)
	}
	return nil
}

// buildArgv assembles the container run command line
func (d *OCIDriver) buildArgv(inv interfaces.Invocation, layout store.Layout) []string {
	outDir := layout.OutputDir(inv.JobID)

	argv := []string{
		d.engine, "run", "--rm",
		"--read-only",
		"-v", outDir + ":" + outDir,
		"-v", inv.ExecPath + ":" + inv.ExecPath + ":ro",
		"-w", outDir,
	}

	if !inv.NetworkAccess {
		argv = append(argv, "--network", "none")
	}

	seen := map[string]bool{outDir: true, inv.ExecPath: true}
	for _, p := range inv.Mounts.Paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		argv = append(argv, "-v", p+":"+p+":ro")
	}

	// Deterministic env ordering keeps invocations reproducible
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-e", k+"="+inv.Env[k])
	}

	argv = append(argv, inv.ImageRef, inv.ExecPath)
	return argv
}
