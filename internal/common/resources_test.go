package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/repx/internal/models"
)

func TestLoadResourceRules_FirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.toml")
	content := `
[defaults]
partition = "batch"
cpus-per-task = 2
mem = "4G"
time = "01:00:00"

[[rules]]
job_id_glob = "sim-*"
partition = "gpu"
mem = "32G"

[[rules]]
job_id_glob = "sim-small"
partition = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rules, err := LoadResourceRules(path)
	require.NoError(t, err)

	// sim-small matches the first rule (sim-*) before the more specific one
	hints := rules.Resolve("sim-small", models.ResourceHints{})
	assert.Equal(t, "gpu", hints.Partition)
	assert.Equal(t, "32G", hints.Mem)
	// defaults fill unset fields
	assert.Equal(t, 2, hints.CPUsPerTask)
	assert.Equal(t, "01:00:00", hints.Time)
}

func TestResolve_JobHintsTakePrecedence(t *testing.T) {
	rules := &ResourceRules{
		Defaults: models.ResourceHints{Partition: "batch", Mem: "4G"},
		Rules: []ResourceRule{
			{JobIDGlob: "*", Partition: "gpu"},
		},
	}

	hints := rules.Resolve("anything", models.ResourceHints{Partition: "own"})
	assert.Equal(t, "own", hints.Partition)
	assert.Equal(t, "4G", hints.Mem)
}

func TestResolve_NoMatchUsesDefaults(t *testing.T) {
	rules := &ResourceRules{
		Defaults: models.ResourceHints{Partition: "batch"},
		Rules: []ResourceRule{
			{JobIDGlob: "sim-*", Partition: "gpu"},
		},
	}

	hints := rules.Resolve("analysis-1", models.ResourceHints{})
	assert.Equal(t, "batch", hints.Partition)
}

func TestLoadResourceRules_MissingExplicitFileIsError(t *testing.T) {
	_, err := LoadResourceRules(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadResourceRules_NoFileYieldsEmptyRules(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(cwd)
	t.Setenv("HOME", t.TempDir())

	rules, err := LoadResourceRules("")
	require.NoError(t, err)
	assert.Empty(t, rules.Rules)
}
