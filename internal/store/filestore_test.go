package store

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir(), arbor.NewLogger())
}

func TestPrepareJobDirs_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PrepareJobDirs("job-a"))
	require.NoError(t, s.PrepareJobDirs("job-a"))

	assert.DirExists(t, s.Layout().OutputDir("job-a"))
	assert.DirExists(t, s.Layout().RepxDir("job-a"))
}

func TestCommitSuccess_MarkerWrittenLast(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PrepareJobDirs("job-a"))

	assert.False(t, s.HasSuccess("job-a"))

	// Artefacts exist before the marker does
	require.NoError(t, os.WriteFile(s.Layout().StdoutPath("job-a"), []byte("out"), 0644))
	require.NoError(t, os.WriteFile(s.Layout().StderrPath("job-a"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Layout().OutputDir("job-a"), "result.txt"), []byte("400"), 0644))

	require.NoError(t, s.CommitSuccess("job-a"))
	assert.True(t, s.HasSuccess("job-a"))

	// SUCCESS-last invariant: marker presence implies artefacts readable
	data, err := os.ReadFile(filepath.Join(s.Layout().OutputDir("job-a"), "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "400", string(data))

	// No temporary marker debris left behind
	entries, err := os.ReadDir(s.Layout().RepxDir("job-a"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-marker")
	}
}

func TestWriteInputsManifest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PrepareJobDirs("job-a"))

	manifest := interfaces.InputsManifest{
		JobID:     "job-a",
		AttemptID: "att_1",
		Inputs:    []string{"/data/input.csv"},
		Runtime:   "native",
	}
	require.NoError(t, s.WriteInputsManifest("job-a", manifest))
	assert.FileExists(t, s.Layout().InputsManifestPath("job-a"))
}

func TestAcquireJobLock_Exclusive(t *testing.T) {
	s := newTestStore(t)

	release, err := s.AcquireJobLock("job-a")
	require.NoError(t, err)

	_, err = s.AcquireJobLock("job-a")
	assert.ErrorIs(t, err, ErrLockHeld)

	release()

	release2, err := s.AcquireJobLock("job-a")
	require.NoError(t, err)
	release2()
}

func TestEnsureImageUnpacked(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}

	s := newTestStore(t)
	hash := "sha256-cafe"

	// Build a small image tarball in the store's artifacts dir
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi"), 0644))
	tarPath := s.Layout().ImageTarPath(hash)
	require.NoError(t, os.MkdirAll(filepath.Dir(tarPath), 0755))
	require.NoError(t, exec.Command("tar", "-cf", tarPath, "-C", src, ".").Run())

	require.NoError(t, s.EnsureImageUnpacked(context.Background(), hash))
	assert.FileExists(t, s.Layout().ImageSuccessPath(hash))
	assert.FileExists(t, filepath.Join(s.Layout().ImageRootfsPath(hash), "hello.txt"))

	// Second call is a no-op cache hit
	require.NoError(t, s.EnsureImageUnpacked(context.Background(), hash))

	// Concurrent callers all succeed with exactly one unpack
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.EnsureImageUnpacked(context.Background(), hash))
		}()
	}
	wg.Wait()
}

func TestEnsureImageUnpacked_MissingImage(t *testing.T) {
	s := newTestStore(t)
	err := s.EnsureImageUnpacked(context.Background(), "sha256-absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present")
}

func TestGC(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PrepareJobDirs("keep"))
	require.NoError(t, s.PrepareJobDirs("drop"))
	require.NoError(t, os.MkdirAll(s.Layout().ImageCacheDir("img-keep"), 0755))
	require.NoError(t, os.MkdirAll(s.Layout().ImageCacheDir("img-drop"), 0755))

	report, err := s.GC(
		map[models.JobID]bool{"keep": true},
		map[string]bool{"img-keep": true},
	)
	require.NoError(t, err)

	assert.Equal(t, []models.JobID{"drop"}, report.RemovedOutputs)
	assert.Equal(t, []string{"img-drop"}, report.RemovedImages)
	assert.DirExists(t, s.Layout().JobDir("keep"))
	assert.NoDirExists(t, s.Layout().JobDir("drop"))
	assert.DirExists(t, s.Layout().ImageCacheDir("img-keep"))
	assert.NoDirExists(t, s.Layout().ImageCacheDir("img-drop"))
}
