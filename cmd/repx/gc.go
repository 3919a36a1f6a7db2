package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/repx/internal/lab"
	"github.com/ternarybob/repx/internal/store"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete store entries not reachable from the lab",
	Long: `Removes output directories and unpacked image caches that are not
reachable from any run root of the lab whose success marker is committed;
jobs declared in the lab outside those closures are removed too. Runs
against the target's local store path; remote stores are collected by
running gc on that host.`,
	RunE: runGC,
}

var (
	gcTargetName string
	gcLabPath    string
)

func init() {
	gcCmd.Flags().StringVar(&gcTargetName, "target", "", "Target whose store to collect")
	gcCmd.Flags().StringVar(&gcLabPath, "lab", "", "Lab directory (default ./result, or $EXAMPLE_REPX_LAB)")
}

func runGC(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	_, targetCfg, err := config.Target(gcTargetName)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	if targetCfg.IsRemote() {
		return exitWith(exitUsage, fmt.Errorf("gc runs against local store paths; invoke repx gc on %s", targetCfg.Address))
	}

	labDir := gcLabPath
	if labDir == "" {
		labDir = os.Getenv("EXAMPLE_REPX_LAB")
	}
	if labDir == "" {
		labDir = "./result"
	}

	l, err := lab.Load(labDir)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	fs := store.NewFileStore(targetCfg.BasePath, logger)

	liveJobs, liveImages, err := l.LiveSet(fs.HasSuccess)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	report, err := fs.GC(liveJobs, liveImages)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	fmt.Printf("removed %d job directories, %d image caches\n",
		len(report.RemovedOutputs), len(report.RemovedImages))
	return nil
}
