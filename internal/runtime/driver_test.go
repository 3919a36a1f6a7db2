package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/models"
	"github.com/ternarybob/repx/internal/store"
)

func TestNew_AllKinds(t *testing.T) {
	logger := arbor.NewLogger()
	for _, kind := range models.AllRuntimeKinds() {
		driver, err := New(kind, logger)
		require.NoError(t, err)
		assert.Equal(t, kind, driver.Kind())
	}

	_, err := New("chroot", logger)
	require.Error(t, err)
}

func TestNativeInvoke_WritesOutputsAndLogs(t *testing.T) {
	basePath := t.TempDir()
	layout := store.NewLayout(basePath)
	fs := store.NewFileStore(basePath, arbor.NewLogger())
	require.NoError(t, fs.PrepareJobDirs("sim"))

	payload := filepath.Join(t.TempDir(), "payload.sh")
	require.NoError(t, os.WriteFile(payload, []byte(
		"#!/bin/sh\necho 400 > total_sum.txt\necho computing\necho warn >&2\n"), 0755))

	driver := &NativeDriver{logger: arbor.NewLogger()}
	result, err := driver.Invoke(context.Background(), interfaces.Invocation{
		JobID:    "sim",
		ExecPath: payload,
		BasePath: basePath,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	// Payload ran with cwd in the output directory
	data, err := os.ReadFile(filepath.Join(layout.OutputDir("sim"), "total_sum.txt"))
	require.NoError(t, err)
	assert.Equal(t, "400\n", string(data))

	// stdout and stderr teed to the store before returning
	out, err := os.ReadFile(result.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "computing\n", string(out))
	errLog, err := os.ReadFile(result.StderrPath)
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(errLog))
}

func TestNativeInvoke_NonZeroExit(t *testing.T) {
	basePath := t.TempDir()
	fs := store.NewFileStore(basePath, arbor.NewLogger())
	require.NoError(t, fs.PrepareJobDirs("fail"))

	payload := filepath.Join(t.TempDir(), "payload.sh")
	require.NoError(t, os.WriteFile(payload, []byte("#!/bin/sh\nexit 7\n"), 0755))

	driver := &NativeDriver{logger: arbor.NewLogger()}
	result, err := driver.Invoke(context.Background(), interfaces.Invocation{
		JobID:    "fail",
		ExecPath: payload,
		BasePath: basePath,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
}

func TestNativeInvoke_Cancellation(t *testing.T) {
	basePath := t.TempDir()
	fs := store.NewFileStore(basePath, arbor.NewLogger())
	require.NoError(t, fs.PrepareJobDirs("slow"))

	payload := filepath.Join(t.TempDir(), "payload.sh")
	require.NoError(t, os.WriteFile(payload, []byte("#!/bin/sh\nsleep 60\n"), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	driver := &NativeDriver{logger: arbor.NewLogger()}
	go func() {
		_, err := driver.Invoke(ctx, interfaces.Invocation{
			JobID:    "slow",
			ExecPath: payload,
			BasePath: basePath,
		})
		done <- err
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBwrapBuildArgv(t *testing.T) {
	layout := store.NewLayout("/store")
	driver := &BwrapDriver{logger: arbor.NewLogger()}

	argv := driver.buildArgv(interfaces.Invocation{
		JobID:    "sim",
		ExecPath: "/payloads/run.sh",
		BasePath: "/store",
		ImageRef: "sha256-abc",
		Mounts:   models.MountSpec{Paths: []string{"/tmp/secret"}},
	}, layout, layout.ImageRootfsPath("sha256-abc"))

	joined := strings.Join(argv, " ")
	assert.Equal(t, "bwrap", argv[0])
	assert.Contains(t, joined, "--ro-bind /store/cache/images/sha256-abc/rootfs /")
	assert.Contains(t, joined, "--bind /store/outputs/sim/out /store/outputs/sim/out")
	assert.Contains(t, joined, "--ro-bind /tmp/secret /tmp/secret")
	assert.Contains(t, joined, "--dev /dev")
	assert.Contains(t, joined, "--tmpfs /tmp")
	assert.Contains(t, joined, "--unshare-net")
	assert.Contains(t, joined, "--chdir /store/outputs/sim/out /payloads/run.sh")
}

func TestBwrapBuildArgv_NetworkAccess(t *testing.T) {
	layout := store.NewLayout("/store")
	driver := &BwrapDriver{logger: arbor.NewLogger()}

	argv := driver.buildArgv(interfaces.Invocation{
		JobID:         "sim",
		ExecPath:      "/payloads/run.sh",
		BasePath:      "/store",
		ImageRef:      "sha256-abc",
		NetworkAccess: true,
	}, layout, layout.ImageRootfsPath("sha256-abc"))

	assert.NotContains(t, argv, "--unshare-net")
}

func TestOCIBuildArgv(t *testing.T) {
	layout := store.NewLayout("/store")
	driver := &OCIDriver{engine: "podman", logger: arbor.NewLogger()}

	argv := driver.buildArgv(interfaces.Invocation{
		JobID:    "sim",
		ExecPath: "/payloads/run.sh",
		BasePath: "/store",
		ImageRef: "sha256-abc",
		Mounts:   models.MountSpec{Paths: []string{"/data"}},
		Env:      map[string]string{"B": "2", "A": "1"},
	}, layout)

	joined := strings.Join(argv, " ")
	assert.Equal(t, []string{"podman", "run", "--rm", "--read-only"}, argv[:4])
	assert.Contains(t, joined, "-v /store/outputs/sim/out:/store/outputs/sim/out")
	assert.Contains(t, joined, "-v /data:/data:ro")
	assert.Contains(t, joined, "--network none")
	// deterministic env ordering
	assert.Contains(t, joined, "-e A=1 -e B=2")
	assert.Equal(t, "/payloads/run.sh", argv[len(argv)-1])
	assert.Equal(t, "sha256-abc", argv[len(argv)-2])
}

func TestBwrapInvoke_RequiresUnpackedImage(t *testing.T) {
	basePath := t.TempDir()
	driver := &BwrapDriver{logger: arbor.NewLogger()}
	_, err := driver.Invoke(context.Background(), interfaces.Invocation{
		JobID:    "sim",
		ExecPath: "/bin/true",
		BasePath: basePath,
		ImageRef: "sha256-missing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not unpacked")
}
