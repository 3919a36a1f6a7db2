package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
)

// LocalTransport executes commands by spawning processes on the current
// host; file operations are native filesystem calls.
type LocalTransport struct {
	logger arbor.ILogger
}

// NewLocalTransport creates a transport addressing the current host
func NewLocalTransport(logger arbor.ILogger) *LocalTransport {
	return &LocalTransport{logger: logger}
}

// Exec runs argv as a child process and waits for completion
func (t *LocalTransport) Exec(ctx context.Context, spec interfaces.ExecSpec) (interfaces.Completion, error) {
	if len(spec.Argv) == 0 {
		return interfaces.Completion{}, fmt.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	// Cancellation sends SIGTERM so a re-entry invocation can stop its
	// payload's process group; Wait escalates to SIGKILL after the delay,
	// which outlasts the runtime drivers' grace period
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 15 * time.Second
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}

	var stdout, stderr bytes.Buffer
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	completion := interfaces.Completion{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			completion.ExitCode = exitErr.ExitCode()
			return completion, nil
		}
		return completion, fmt.Errorf("failed to run %s: %w", spec.Argv[0], err)
	}
	return completion, nil
}

// PutFile mirrors src to dst recursively, preserving executability
func (t *LocalTransport) PutFile(ctx context.Context, srcLocal, dstRemote string) error {
	return mirrorLocal(srcLocal, dstRemote)
}

// GetFile mirrors src to dst recursively, preserving executability
func (t *LocalTransport) GetFile(ctx context.Context, srcRemote, dstLocal string) error {
	return mirrorLocal(srcRemote, dstLocal)
}

// Exists reports whether the path exists
func (t *LocalTransport) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MkdirP creates the directory and all parents
func (t *LocalTransport) MkdirP(ctx context.Context, path string) error {
	return os.MkdirAll(path, 0755)
}

// IsLocal reports that this transport addresses the current host
func (t *LocalTransport) IsLocal() bool {
	return true
}

// Close is a no-op for the local transport
func (t *LocalTransport) Close() error {
	return nil
}

// mirrorLocal copies a file or directory tree, preserving file modes
func mirrorLocal(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
