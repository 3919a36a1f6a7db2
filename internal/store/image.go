package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const (
	unpackWaitInitial = 250 * time.Millisecond
	unpackWaitMax     = 5 * time.Second
	unpackWaitTotal   = 10 * time.Minute
)

// EnsureImageUnpacked extracts artifacts/images/<hash>.tar into
// cache/images/<hash>/rootfs and writes the cache SUCCESS marker.
//
// At most one unpack runs per hash per target concurrently, enforced by an
// exclusive-create lock; losers wait on marker appearance with bounded
// backoff. Image caches are write-once.
func (s *FileStore) EnsureImageUnpacked(ctx context.Context, imageHash string) error {
	if s.imageUnpacked(imageHash) {
		return nil
	}

	tarPath := s.layout.ImageTarPath(imageHash)
	if _, err := os.Stat(tarPath); err != nil {
		return fmt.Errorf("image %s not present in store: %w", imageHash, err)
	}

	cacheDir := s.layout.ImageCacheDir(imageHash)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create image cache dir: %w", err)
	}

	release, err := acquireFileLock(s.layout.ImageLockPath(imageHash))
	if err == ErrLockHeld {
		return s.waitForUnpack(ctx, imageHash)
	}
	if err != nil {
		return err
	}
	defer release()

	// Lock won, but another process may have finished between the first
	// check and the acquire
	if s.imageUnpacked(imageHash) {
		return nil
	}

	s.logger.Info().Str("image", imageHash).Msg("Unpacking image rootfs")

	rootfs := s.layout.ImageRootfsPath(imageHash)
	if err := os.RemoveAll(rootfs); err != nil {
		return fmt.Errorf("failed to clear stale rootfs: %w", err)
	}
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return fmt.Errorf("failed to create rootfs dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "tar", "-xf", tarPath, "-C", rootfs)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to extract image %s: %w: %s", imageHash, err, out)
	}

	if err := atomicMarker(s.layout.ImageSuccessPath(imageHash)); err != nil {
		return fmt.Errorf("failed to mark image %s unpacked: %w", imageHash, err)
	}

	s.logger.Info().Str("image", imageHash).Msg("Image rootfs ready")
	return nil
}

func (s *FileStore) imageUnpacked(imageHash string) bool {
	_, err := os.Stat(s.layout.ImageSuccessPath(imageHash))
	return err == nil
}

// waitForUnpack polls for the cache marker while another process unpacks
func (s *FileStore) waitForUnpack(ctx context.Context, imageHash string) error {
	s.logger.Debug().Str("image", imageHash).Msg("Waiting for concurrent image unpack")

	deadline := time.Now().Add(unpackWaitTotal)
	delay := unpackWaitInitial
	for {
		if s.imageUnpacked(imageHash) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for image %s to unpack", imageHash)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > unpackWaitMax {
			delay = unpackWaitMax
		}
	}
}
