package interfaces

import (
	"context"

	"github.com/ternarybob/repx/internal/models"
)

// Invocation is the shared contract all runtime drivers execute against:
// one payload process, one output directory, stdout/stderr captured to the
// store before the driver returns.
type Invocation struct {
	JobID        models.JobID
	ExecPath     string
	BasePath     string
	HostToolsDir string
	ImageRef     string
	Mounts       models.MountSpec
	Env          map[string]string
	NetworkAccess bool
}

// InvocationResult reports one completed runtime invocation. The orchestrator
// only consults the exit code together with the presence of the store's
// SUCCESS marker; a zero exit without the marker is treated as failure.
type InvocationResult struct {
	ExitCode   int
	StdoutPath string
	StderrPath string
}

// RuntimeDriver constructs an isolated execution environment for one process
// invocation. Drivers share the invocation contract and differ only in the
// isolation mechanism: direct host execution, user-namespace sandbox, or
// OCI container.
type RuntimeDriver interface {
	// Kind returns the runtime this driver implements
	Kind() models.RuntimeKind

	// Invoke runs the payload to completion, teeing stdout and stderr to
	// the store paths before returning
	Invoke(ctx context.Context, inv Invocation) (InvocationResult, error)
}
