package interfaces

import (
	"context"
	"io"
)

// ExecSpec describes one command execution against a target host
type ExecSpec struct {
	Argv  []string
	Env   map[string]string
	Stdin io.Reader
	// Stdout and Stderr receive the command output when non-nil; otherwise
	// output is captured into the Completion
	Stdout io.Writer
	Stderr io.Writer
	Dir    string
}

// Completion is the result of one command execution
type Completion struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Transport executes commands and syncs files against a target host.
// The local transport spawns processes directly and uses native filesystem
// calls; the remote transport multiplexes commands and file sync over a
// single long-lived authenticated channel so that per-job overhead stays
// proportional to compute rather than to handshake cost.
type Transport interface {
	// Exec runs argv on the target host and waits for completion
	Exec(ctx context.Context, spec ExecSpec) (Completion, error)

	// PutFile mirrors a local file or directory to the target host,
	// preserving executability
	PutFile(ctx context.Context, srcLocal, dstRemote string) error

	// GetFile mirrors a target-host file or directory to the local host
	GetFile(ctx context.Context, srcRemote, dstLocal string) error

	// Exists reports whether a path exists on the target host
	Exists(ctx context.Context, path string) (bool, error)

	// MkdirP creates a directory and all parents on the target host
	MkdirP(ctx context.Context, path string) error

	// IsLocal reports whether the transport addresses the current host
	IsLocal() bool

	// Close releases the underlying channel
	Close() error
}
