package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/repx/internal/lab"
	"github.com/ternarybob/repx/internal/models"
)

var listCmd = &cobra.Command{
	Use:   "list [jobs <run> | deps <job-id>]",
	Short: "List runs, the jobs of a run, or a job's dependencies",
	RunE:  runList,
}

var listLabPath string

func init() {
	listCmd.Flags().StringVar(&listLabPath, "lab", "", "Lab directory (default ./result, or $EXAMPLE_REPX_LAB)")
}

func runList(cmd *cobra.Command, args []string) error {
	labDir := listLabPath
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

	switch {
	case len(args) == 0:
		for _, name := range l.RunNames() {
			roots, _ := l.Run(name)
			fmt.Printf("%-30s %d root jobs\n", name, len(roots))
		}
		return nil

	case args[0] == "jobs" && len(args) == 2:
		roots, ok := l.Run(args[1])
		if !ok {
			return exitWith(exitUsage, fmt.Errorf("unknown run %q", args[1]))
		}
		closure, err := l.Graph.Closure(roots)
		if err != nil {
			return exitWith(exitUsage, err)
		}
		for _, id := range l.Graph.TopoOrder() {
			if closure[id] {
				fmt.Println(id)
			}
		}
		return nil

	case args[0] == "deps" && len(args) == 2:
		id := models.JobID(args[1])
		job := l.Graph.Job(id)
		if job == nil {
			return exitWith(exitUsage, fmt.Errorf("unknown job %q", args[1]))
		}
		for _, dep := range job.Dependencies {
			fmt.Println(dep)
		}
		return nil
	}

	return exitWith(exitUsage, fmt.Errorf("usage: list | list jobs <run> | list deps <job-id>"))
}
