package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/repx/internal/common"
	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/lab"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/orchestrator"
	"github.com/ternarybob/repx/internal/scheduler"
	"github.com/ternarybob/repx/internal/store"
	"github.com/ternarybob/repx/internal/target"
	"github.com/ternarybob/repx/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run [ids... | run-name]",
	Short: "Execute jobs of a lab on a target",
	Long: `Resolves the requested jobs and their transitive dependencies, then
submits, orchestrates and monitors them on the chosen execution target.
Jobs with a committed success marker are reused without re-execution.`,
	RunE: runRun,
}

var (
	runLabPath       string
	runTargetName    string
	runSchedulerName string
	runResourcesPath string
	runJobs          int
	runHostPaths     bool
)

func init() {
	runCmd.Flags().StringVar(&runLabPath, "lab", "", "Lab directory (default ./result, or $EXAMPLE_REPX_LAB)")
	runCmd.Flags().StringVar(&runTargetName, "target", "", "Execution target name (default: submission_target from config)")
	runCmd.Flags().StringVar(&runSchedulerName, "scheduler", "", "Scheduler override: slurm or local")
	runCmd.Flags().StringVar(&runResourcesPath, "resources", "", "Resources file (default ./resources.toml, then ~/.config/repx/resources.toml)")
	runCmd.Flags().IntVar(&runJobs, "jobs", 0, "Local scheduler concurrency (local scheduler only)")
	runCmd.Flags().BoolVar(&runHostPaths, "mount-host-paths", false, "Run payloads fully impure with the host filesystem visible")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	targetName, targetCfg, err := config.Target(runTargetName)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	schedulerKind := targetCfg.SchedulerKind(runSchedulerName)
	if !schedulerKind.IsValid() {
		return exitWith(exitUsage, fmt.Errorf("unknown scheduler %q", schedulerKind))
	}

	labDir := runLabPath
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

	roots, err := l.ResolveRoots(args)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	rules, err := common.LoadResourceRules(runResourcesPath)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	common.PrintBanner(targetName, string(schedulerKind), logger)

	facade, err := buildTarget(targetName, targetCfg, schedulerKind, rules)
	if err != nil {
		return exitWith(exitUnreachable, err)
	}
	defer facade.Close()

	o := orchestrator.New(l.Graph, facade, logger)

	// CLI interrupt cancels cooperatively; the loop reaps in-flight handles
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn().Msg("Interrupt received - cancelling run")
		o.Cancel()
	}()

	report, err := o.Run(context.Background(), roots)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	fmt.Println(report.Summary())

	if !report.Succeeded() {
		return exitWith(exitJobsFailed, fmt.Errorf("run finished with unsuccessful jobs"))
	}
	return nil
}

// buildTarget binds transport, scheduler and store for the chosen target
func buildTarget(name string, cfg common.TargetConfig, schedulerKind models.SchedulerKind, rules *common.ResourceRules) (*target.Facade, error) {
	var tr interfaces.Transport
	if cfg.IsRemote() {
		strict := cfg.StrictHostKey == nil || *cfg.StrictHostKey
		sshTr, err := transport.NewSSHTransport(transport.SSHOptions{
			Address:       cfg.Address,
			StrictHostKey: strict,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("target %s unreachable: %w", name, err)
		}
		tr = sshTr
	} else {
		tr = transport.NewLocalTransport(logger)
	}

	layout := store.NewLayout(cfg.BasePath)

	var sched interfaces.Scheduler
	switch schedulerKind {
	case models.SchedulerSlurm:
		sched = scheduler.NewSlurmScheduler(tr, layout, logger)
	default:
		sched = scheduler.NewLocalScheduler(tr, cfg.Concurrency(runJobs), logger)
	}

	return target.New(target.Options{
		Name:           name,
		Transport:      tr,
		Scheduler:      sched,
		SchedulerKind:  schedulerKind,
		BasePath:       cfg.BasePath,
		DefaultRuntime: cfg.RuntimeKind(),
		Admissible:     cfg.AdmissibleRuntimes(schedulerKind),
		Rules:          rules,
		Impure:         runHostPaths,
	}, logger), nil
}
