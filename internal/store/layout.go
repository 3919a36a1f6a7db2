package store

import (
	"path/filepath"

	"github.com/ternarybob/repx/internal/models"
)

// Marker file names under the store. SUCCESS is a compatibility-critical
// surface: other tools grep for it.
const (
	SuccessMarker = "SUCCESS"
	lockFile      = ".lock"
)

// Layout computes every path of the content-addressable store beneath a
// target's base path. It performs no I/O, so the same layout serves the
// local filesystem store and remote-side checks over a transport.
type Layout struct {
	base string
}

// NewLayout creates a layout rooted at the target's base path
func NewLayout(basePath string) Layout {
	return Layout{base: basePath}
}

// BasePath returns the store root
func (l Layout) BasePath() string {
	return l.base
}

// JobDir returns outputs/<id>
func (l Layout) JobDir(id models.JobID) string {
	return filepath.Join(l.base, "outputs", string(id))
}

// OutputDir returns outputs/<id>/out, the payload's working directory
func (l Layout) OutputDir(id models.JobID) string {
	return filepath.Join(l.JobDir(id), "out")
}

// RepxDir returns outputs/<id>/repx, the per-job metadata directory
func (l Layout) RepxDir(id models.JobID) string {
	return filepath.Join(l.JobDir(id), "repx")
}

// StdoutPath returns the captured stdout log path
func (l Layout) StdoutPath(id models.JobID) string {
	return filepath.Join(l.RepxDir(id), "stdout.log")
}

// StderrPath returns the captured stderr log path
func (l Layout) StderrPath(id models.JobID) string {
	return filepath.Join(l.RepxDir(id), "stderr.log")
}

// InputsManifestPath returns the inputs.json path
func (l Layout) InputsManifestPath(id models.JobID) string {
	return filepath.Join(l.RepxDir(id), "inputs.json")
}

// SuccessPath returns the per-job success marker path
func (l Layout) SuccessPath(id models.JobID) string {
	return filepath.Join(l.RepxDir(id), SuccessMarker)
}

// JobLockPath returns the per-job advisory lock path
func (l Layout) JobLockPath(id models.JobID) string {
	return filepath.Join(l.JobDir(id), lockFile)
}

// SlurmLogPath returns the batch manager's combined output path for one
// batch-assigned id
func (l Layout) SlurmLogPath(id models.JobID, batchID string) string {
	return filepath.Join(l.RepxDir(id), "slurm-"+batchID+".out")
}

// SlurmLogPattern returns the sbatch --output pattern (%j expands to the
// batch-assigned id)
func (l Layout) SlurmLogPattern(id models.JobID) string {
	return filepath.Join(l.RepxDir(id), "slurm-%j.out")
}

// ImageTarPath returns artifacts/images/<hash>.tar
func (l Layout) ImageTarPath(hash string) string {
	return filepath.Join(l.base, "artifacts", "images", hash+".tar")
}

// ImageCacheDir returns cache/images/<hash>
func (l Layout) ImageCacheDir(hash string) string {
	return filepath.Join(l.base, "cache", "images", hash)
}

// ImageRootfsPath returns the unpacked rootfs directory for a hash
func (l Layout) ImageRootfsPath(hash string) string {
	return filepath.Join(l.ImageCacheDir(hash), "rootfs")
}

// ImageSuccessPath returns the unpack-complete marker for a hash
func (l Layout) ImageSuccessPath(hash string) string {
	return filepath.Join(l.ImageCacheDir(hash), SuccessMarker)
}

// ImageLockPath returns the unpack lock for a hash
func (l Layout) ImageLockPath(hash string) string {
	return filepath.Join(l.ImageCacheDir(hash), lockFile)
}

// HostToolsDir returns the root of the staged host binaries symlink farm
func (l Layout) HostToolsDir() string {
	return filepath.Join(l.base, "artifacts", "host-tools")
}

// HostToolPath returns artifacts/host-tools/<toolset>/bin/<tool>; staged
// binaries are resolved through this farm rather than PATH
func (l Layout) HostToolPath(toolset, tool string) string {
	return filepath.Join(l.HostToolsDir(), toolset, "bin", tool)
}

// EngineBinaryPath returns the content-addressed staging path of the engine
// binary used for the remote bootstrap
func (l Layout) EngineBinaryPath(hash string) string {
	return l.HostToolPath("repx-"+hash, "repx")
}

// PayloadPath returns the staged location of a job's executable payload on
// a remote target
func (l Layout) PayloadPath(id models.JobID, name string) string {
	return filepath.Join(l.base, "artifacts", "payloads", string(id), name)
}

// OutputsRoot returns the outputs directory containing all job dirs
func (l Layout) OutputsRoot() string {
	return filepath.Join(l.base, "outputs")
}

// ImageCacheRoot returns the image cache root
func (l Layout) ImageCacheRoot() string {
	return filepath.Join(l.base, "cache", "images")
}
