package lab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/repx/internal/models"
)

func writeLab(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lab.json"), []byte(content), 0644))
	return dir
}

const sampleLab = `{
  "runs": {
    "nightly": ["analysis"],
    "quick": ["simulation-run"]
  },
  "jobs": [
    {"id": "simulation-run", "name": "simulation run", "exec_path": "/payloads/sim.sh"},
    {"id": "analysis", "name": "analysis", "exec_path": "/payloads/analyze.sh",
     "dependencies": ["simulation-run"]}
  ]
}`

func TestLoad(t *testing.T) {
	l, err := Load(writeLab(t, sampleLab))
	require.NoError(t, err)

	assert.Equal(t, 2, l.Graph.Len())
	assert.Equal(t, []string{"nightly", "quick"}, l.RunNames())

	roots, ok := l.Run("nightly")
	require.True(t, ok)
	assert.Equal(t, []models.JobID{"analysis"}, roots)
}

func TestLoad_MissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoad_RunNamingUnknownJob(t *testing.T) {
	_, err := Load(writeLab(t, `{
	  "runs": {"bad": ["ghost"]},
	  "jobs": [{"id": "a", "name": "a", "exec_path": "/p"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestResolveRoots(t *testing.T) {
	l, err := Load(writeLab(t, sampleLab))
	require.NoError(t, err)

	// Run name expands to the run's roots
	roots, err := l.ResolveRoots([]string{"nightly"})
	require.NoError(t, err)
	assert.Equal(t, []models.JobID{"analysis"}, roots)

	// Explicit job IDs pass through
	roots, err = l.ResolveRoots([]string{"simulation-run", "analysis"})
	require.NoError(t, err)
	assert.Equal(t, []models.JobID{"simulation-run", "analysis"}, roots)

	// Empty request selects everything
	roots, err = l.ResolveRoots(nil)
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	_, err = l.ResolveRoots([]string{"no-such-thing"})
	require.Error(t, err)
}

func TestLiveSet(t *testing.T) {
	// Two runs: "good" roots at c (c -> a), "stale" roots at d. Job e is
	// declared but belongs to no run.
	l, err := Load(writeLab(t, `{
	  "runs": {
	    "good": ["c"],
	    "stale": ["d"]
	  },
	  "jobs": [
	    {"id": "a", "name": "a", "exec_path": "/p", "runtime": "bwrap", "image_ref": "sha256-x"},
	    {"id": "c", "name": "c", "exec_path": "/p", "dependencies": ["a"]},
	    {"id": "d", "name": "d", "exec_path": "/p", "runtime": "bwrap", "image_ref": "sha256-y"},
	    {"id": "e", "name": "e", "exec_path": "/p"}
	  ]
	}`))
	require.NoError(t, err)

	// Only the "good" root has a committed success marker
	committed := map[models.JobID]bool{"c": true}
	jobs, images, err := l.LiveSet(func(id models.JobID) bool { return committed[id] })
	require.NoError(t, err)

	// The marked root and its closure are live
	assert.True(t, jobs["c"])
	assert.True(t, jobs["a"])
	assert.True(t, images["sha256-x"])

	// A root without a marker keeps nothing alive
	assert.False(t, jobs["d"])
	assert.False(t, images["sha256-y"])

	// Declared but reachable from no run root: collectable
	assert.False(t, jobs["e"])
	assert.Len(t, jobs, 2)
	assert.Len(t, images, 1)
}

func TestLiveSet_NoCommittedRoots(t *testing.T) {
	l, err := Load(writeLab(t, `{
	  "runs": {"only": ["a"]},
	  "jobs": [{"id": "a", "name": "a", "exec_path": "/p"}]
	}`))
	require.NoError(t, err)

	jobs, images, err := l.LiveSet(func(models.JobID) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, images)
}
