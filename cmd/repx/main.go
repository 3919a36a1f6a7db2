package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/repx/internal/common"
)

// Exit codes: 0 all jobs succeeded, 1 one or more jobs failed, 2 usage or
// configuration error, 3 target unreachable
const (
	exitOK          = 0
	exitJobsFailed  = 1
	exitUsage       = 2
	exitUnreachable = 3
)

// exitError carries a process exit code alongside the message
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var (
	configPath string
	verbosity  int

	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "repx",
	Short:         "Execution engine for reproducible experiments",
	Long:          `Repx submits, orchestrates and monitors the jobs of a lab on a chosen execution target.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: ~/.config/repx/config.toml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v debug, -vv trace)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(internalExecuteCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig initialises configuration and logging for commands that need a
// target; internal-execute deliberately skips it
func loadConfig() error {
	var err error
	config, err = common.LoadConfig(configPath)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	logger = common.SetupLogger(config, verbosity)
	return nil
}

// arborConsoleConfig is the writer configuration for contexts that log
// before (or without) full logger setup, like the re-entry invocation
func arborConsoleConfig() arbormodels.WriterConfiguration {
	return arbormodels.WriterConfiguration{
		Type:             arbormodels.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "repx: %v\n", err)

		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
}
