package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/runtime"
	"github.com/ternarybob/repx/internal/store"
)

// internalExecuteCmd is the engine's private re-entry point: one runtime
// invocation on the target host. It is what the scheduler dispatches, both
// for the local worker pool and inside batch allocations; the submitting
// side never parses its stdout - it reads the store for results.
var internalExecuteCmd = &cobra.Command{
	Use:    "internal-execute",
	Short:  "Run one job invocation (not a user command)",
	Hidden: true,
	RunE:   runInternalExecute,
}

var (
	ieJobID        string
	ieExecPath     string
	ieBasePath     string
	ieHostToolsDir string
	ieRuntime      string
	ieImageTag     string
	ieMountPaths   []string
	ieHostPaths    bool
	ieAllowNetwork bool
)

func init() {
	internalExecuteCmd.Flags().StringVar(&ieJobID, "job-id", "", "Job identifier")
	internalExecuteCmd.Flags().StringVar(&ieExecPath, "executable-path", "", "Payload executable path")
	internalExecuteCmd.Flags().StringVar(&ieBasePath, "base-path", "", "Store base path")
	internalExecuteCmd.Flags().StringVar(&ieHostToolsDir, "host-tools-dir", "", "Staged host tools directory")
	internalExecuteCmd.Flags().StringVar(&ieRuntime, "runtime", "native", "Runtime: native, bwrap, podman or docker")
	internalExecuteCmd.Flags().StringVar(&ieImageTag, "image-tag", "", "Image content hash")
	internalExecuteCmd.Flags().StringArrayVar(&ieMountPaths, "mount-paths", nil, "Host paths visible to the payload (repeatable)")
	internalExecuteCmd.Flags().BoolVar(&ieHostPaths, "mount-host-paths", false, "Fully-impure execution")
	internalExecuteCmd.Flags().BoolVar(&ieAllowNetwork, "allow-network", false, "Keep the network namespace shared")

	internalExecuteCmd.MarkFlagRequired("job-id")
	internalExecuteCmd.MarkFlagRequired("executable-path")
	internalExecuteCmd.MarkFlagRequired("base-path")
}

func runInternalExecute(cmd *cobra.Command, args []string) error {
	execLogger := arbor.NewLogger().
		WithConsoleWriter(arborConsoleConfig()).
		WithCorrelationId(ieJobID)

	kind := models.RuntimeKind(ieRuntime)
	if !kind.IsValid() {
		return exitWith(exitUsage, fmt.Errorf("unknown runtime %q", ieRuntime))
	}
	// Fully-impure execution runs the payload directly on the host
	if ieHostPaths {
		kind = models.RuntimeNative
	}
	jobID := models.JobID(ieJobID)

	fs := store.NewFileStore(ieBasePath, execLogger)

	// Already committed by an earlier attempt: nothing to do
	if fs.HasSuccess(jobID) {
		execLogger.Info().Str("job_id", ieJobID).Msg("Success marker already present")
		return nil
	}

	release, err := fs.AcquireJobLock(jobID)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			execLogger.Warn().Str("job_id", ieJobID).Msg("Job locked by another engine process")
			os.Exit(store.ExitCodeLockHeld)
		}
		return exitWith(exitUsage, err)
	}
	defer release()

	if err := fs.PrepareJobDirs(jobID); err != nil {
		return exitWith(exitUsage, err)
	}

	// Batch managers cancel with SIGTERM; propagate to the payload tree
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	if kind == models.RuntimeBwrap {
		if err := fs.EnsureImageUnpacked(ctx, ieImageTag); err != nil {
			return exitWith(exitUsage, err)
		}
	}

	driver, err := runtime.New(kind, execLogger)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	result, err := driver.Invoke(ctx, interfaces.Invocation{
		JobID:         jobID,
		ExecPath:      ieExecPath,
		BasePath:      ieBasePath,
		HostToolsDir:  ieHostToolsDir,
		ImageRef:      ieImageTag,
		Mounts:        models.MountSpec{Paths: ieMountPaths, HostPaths: ieHostPaths},
		NetworkAccess: ieAllowNetwork,
	})
	if err != nil {
		execLogger.Error().Err(err).Str("job_id", ieJobID).Msg("Invocation failed")
		return exitWith(exitJobsFailed, err)
	}

	if result.ExitCode != 0 {
		execLogger.Warn().
			Str("job_id", ieJobID).
			Int("exit_code", result.ExitCode).
			Msg("Payload exited non-zero")
		os.Exit(result.ExitCode)
	}

	if err := fs.CommitSuccess(jobID); err != nil {
		return exitWith(exitJobsFailed, err)
	}

	execLogger.Info().Str("job_id", ieJobID).Msg("Invocation committed")
	return nil
}
