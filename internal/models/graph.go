package models

import (
	"fmt"
)

// JobGraph is an immutable DAG over JobID. It is constructed once by the lab
// loader and never mutated afterwards. Construction rejects duplicate IDs,
// dangling dependency references and cycles, and fixes a total topological
// order with ties broken by insertion order.
type JobGraph struct {
	jobs      map[JobID]*Job
	order     []JobID       // insertion order
	topo      []JobID       // total topological order
	depth     map[JobID]int // topological depth (roots = 0)
	dependents map[JobID][]JobID
}

// NewJobGraph constructs a validated graph from jobs in insertion order
func NewJobGraph(jobs []Job) (*JobGraph, error) {
	g := &JobGraph{
		jobs:       make(map[JobID]*Job, len(jobs)),
		order:      make([]JobID, 0, len(jobs)),
		depth:      make(map[JobID]int, len(jobs)),
		dependents: make(map[JobID][]JobID),
	}

	for i := range jobs {
		job := jobs[i]
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if _, exists := g.jobs[job.ID]; exists {
			return nil, fmt.Errorf("duplicate job ID %s", job.ID)
		}
		g.jobs[job.ID] = &job
		g.order = append(g.order, job.ID)
	}

	// Every referenced dependency must be present
	for _, id := range g.order {
		for _, dep := range g.jobs[id].Dependencies {
			if _, ok := g.jobs[dep]; !ok {
				return nil, fmt.Errorf("job %s depends on unknown job %s", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.computeTopoOrder(); err != nil {
		return nil, err
	}

	return g, nil
}

// computeTopoOrder runs Kahn's algorithm, always draining ready nodes in
// insertion order so the resulting total order is deterministic.
func (g *JobGraph) computeTopoOrder() error {
	indegree := make(map[JobID]int, len(g.jobs))
	for _, id := range g.order {
		indegree[id] = len(g.jobs[id].Dependencies)
	}

	for len(g.topo) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if indegree[id] != 0 {
				continue
			}
			indegree[id] = -1 // visited
			progressed = true

			d := 0
			for _, dep := range g.jobs[id].Dependencies {
				if g.depth[dep]+1 > d {
					d = g.depth[dep] + 1
				}
			}
			g.depth[id] = d
			g.topo = append(g.topo, id)

			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
			}
		}
		if !progressed {
			return fmt.Errorf("job graph contains a cycle")
		}
	}
	return nil
}

// Job returns the job with the given ID, or nil if absent
func (g *JobGraph) Job(id JobID) *Job {
	return g.jobs[id]
}

// Has reports whether the graph contains the given job ID
func (g *JobGraph) Has(id JobID) bool {
	_, ok := g.jobs[id]
	return ok
}

// Len returns the number of jobs in the graph
func (g *JobGraph) Len() int {
	return len(g.order)
}

// TopoOrder returns the total topological order (ties broken by insertion)
func (g *JobGraph) TopoOrder() []JobID {
	out := make([]JobID, len(g.topo))
	copy(out, g.topo)
	return out
}

// Depth returns the topological depth of a job (roots have depth 0)
func (g *JobGraph) Depth(id JobID) int {
	return g.depth[id]
}

// Dependents returns the jobs that directly depend on id
func (g *JobGraph) Dependents(id JobID) []JobID {
	out := make([]JobID, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// Closure computes the transitive dependency closure of the given roots.
// Jobs outside the closure are neither touched nor checked by the engine.
func (g *JobGraph) Closure(roots []JobID) (map[JobID]bool, error) {
	closure := make(map[JobID]bool)
	var visit func(id JobID) error
	visit = func(id JobID) error {
		if closure[id] {
			return nil
		}
		job, ok := g.jobs[id]
		if !ok {
			return fmt.Errorf("unknown job ID %s", id)
		}
		closure[id] = true
		for _, dep := range job.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return closure, nil
}
