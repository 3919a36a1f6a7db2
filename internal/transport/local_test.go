package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
)

func TestLocalExec_CapturesOutputAndExitCode(t *testing.T) {
	tr := NewLocalTransport(arbor.NewLogger())

	c, err := tr.Exec(context.Background(), interfaces.ExecSpec{
		Argv: []string{"sh", "-c", "echo hello; echo oops >&2; exit 3"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, c.ExitCode)
	assert.Equal(t, "hello\n", string(c.Stdout))
	assert.Equal(t, "oops\n", string(c.Stderr))
}

func TestLocalExec_Env(t *testing.T) {
	tr := NewLocalTransport(arbor.NewLogger())

	c, err := tr.Exec(context.Background(), interfaces.ExecSpec{
		Argv: []string{"sh", "-c", "echo $REPX_TEST_VALUE"},
		Env:  map[string]string{"REPX_TEST_VALUE": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(c.Stdout))
}

func TestLocalPutFile_PreservesExecutability(t *testing.T) {
	tr := NewLocalTransport(arbor.NewLogger())
	src := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0755))

	dst := filepath.Join(t.TempDir(), "staged", "run.sh")
	require.NoError(t, tr.PutFile(context.Background(), src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111, "executable bit lost")
}

func TestLocalPutFile_Directory(t *testing.T) {
	tr := NewLocalTransport(arbor.NewLogger())
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "data.txt"), []byte("x"), 0644))

	dst := filepath.Join(t.TempDir(), "mirror")
	require.NoError(t, tr.PutFile(context.Background(), src, dst))
	assert.FileExists(t, filepath.Join(dst, "nested", "data.txt"))
}

func TestLocalExists(t *testing.T) {
	tr := NewLocalTransport(arbor.NewLogger())
	dir := t.TempDir()

	ok, err := tr.Exists(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Exists(context.Background(), filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), arbor.NewLogger(), "op", func() error {
		calls++
		return os.ErrInvalid
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), arbor.NewLogger(), "op", func() error {
		calls++
		if calls < 2 {
			return Retryable(os.ErrDeadlineExceeded)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSplitAddress(t *testing.T) {
	user, host, port, err := splitAddress("alice@server")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "server", host)
	assert.Equal(t, "22", port)

	_, _, port, err = splitAddress("alice@server:2222")
	require.NoError(t, err)
	assert.Equal(t, "2222", port)

	_, _, _, err = splitAddress("no-user-here")
	require.Error(t, err)
}

func TestTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "readme"), []byte("hi"), 0644))

	stream := tarStream(src, ".")
	defer stream.Close()

	dst := t.TempDir()
	require.NoError(t, untarInto(stream, dst))

	info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111)
	assert.FileExists(t, filepath.Join(dst, "readme"))
}
