package lab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/repx/internal/models"
)

// manifestName is the serialized lab description inside a lab directory
const manifestName = "lab.json"

// Lab is the immutable, pre-materialised description the builder wrote:
// named runs over a validated job graph. The engine only ever reads it.
type Lab struct {
	Graph *models.JobGraph
	runs  map[string][]models.JobID
}

// manifest is the on-disk shape of lab.json
type manifest struct {
	Runs map[string][]models.JobID `json:"runs"`
	Jobs []models.Job              `json:"jobs"`
}

// Load reads and validates the lab at dir. The graph invariants (unique
// IDs, no dangling dependencies, acyclicity) are enforced here so the
// orchestrator can assume a well-formed DAG.
func Load(dir string) (*Lab, error) {
	path := filepath.Join(dir, manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lab manifest %s: %w", path, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse lab manifest %s: %w", path, err)
	}

	graph, err := models.NewJobGraph(m.Jobs)
	if err != nil {
		return nil, fmt.Errorf("invalid lab %s: %w", dir, err)
	}

	for name, roots := range m.Runs {
		for _, id := range roots {
			if !graph.Has(id) {
				return nil, fmt.Errorf("run %q names unknown job %s", name, id)
			}
		}
	}

	return &Lab{Graph: graph, runs: m.Runs}, nil
}

// Run returns the root job set of a named run
func (l *Lab) Run(name string) ([]models.JobID, bool) {
	roots, ok := l.runs[name]
	return roots, ok
}

// RunNames returns the names of all runs, sorted
func (l *Lab) RunNames() []string {
	names := make([]string, 0, len(l.runs))
	for name := range l.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveRoots maps a run request to root job IDs: a single argument naming
// a run expands to that run's roots; otherwise every argument must be a
// job ID present in the graph. No arguments selects every job.
func (l *Lab) ResolveRoots(args []string) ([]models.JobID, error) {
	if len(args) == 0 {
		return l.Graph.TopoOrder(), nil
	}

	if len(args) == 1 {
		if roots, ok := l.Run(args[0]); ok {
			return roots, nil
		}
	}

	roots := make([]models.JobID, 0, len(args))
	for _, arg := range args {
		id := models.JobID(arg)
		if !l.Graph.Has(id) {
			return nil, fmt.Errorf("%q is neither a run name nor a job ID in this lab", arg)
		}
		roots = append(roots, id)
	}
	return roots, nil
}

// LiveSet returns the job IDs and image hashes the garbage collector must
// keep: the union of the dependency closures of every run root whose
// success marker is committed, per hasSuccess. A job still declared in the
// lab but not reachable from any such root is collectable.
func (l *Lab) LiveSet(hasSuccess func(models.JobID) bool) (map[models.JobID]bool, map[string]bool, error) {
	jobs := make(map[models.JobID]bool)
	images := make(map[string]bool)

	for _, name := range l.RunNames() {
		for _, root := range l.runs[name] {
			if !hasSuccess(root) {
				continue
			}
			closure, err := l.Graph.Closure([]models.JobID{root})
			if err != nil {
				return nil, nil, fmt.Errorf("run %q: %w", name, err)
			}
			for id := range closure {
				jobs[id] = true
				if ref := l.Graph.Job(id).ImageRef; ref != "" {
					images[ref] = true
				}
			}
		}
	}
	return jobs, images, nil
}
