package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/repx/internal/interfaces"
	"github.com/ternarybob/repx/internal/store"
)

// EnsureEngineBinary stages the running engine binary on the target host at
// a content-addressed path under the store and returns that path. The
// binary is statically linked, so it runs on the remote host without a
// matching dynamic-link environment. Staging is idempotent: an existing
// path with the same content hash is reused.
func EnsureEngineBinary(ctx context.Context, t interfaces.Transport, layout store.Layout, logger arbor.ILogger) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate engine binary: %w", err)
	}

	if t.IsLocal() {
		return self, nil
	}

	hash, err := hashFile(self)
	if err != nil {
		return "", fmt.Errorf("failed to hash engine binary: %w", err)
	}

	remotePath := layout.EngineBinaryPath(hash)
	exists, err := t.Exists(ctx, remotePath)
	if err != nil {
		return "", err
	}
	if exists {
		logger.Debug().Str("path", remotePath).Msg("Engine binary already staged")
		return remotePath, nil
	}

	logger.Info().Str("path", remotePath).Msg("Staging engine binary on target")

	if err := t.PutFile(ctx, self, remotePath); err != nil {
		return "", fmt.Errorf("failed to stage engine binary: %w", err)
	}

	c, err := t.Exec(ctx, interfaces.ExecSpec{
		Argv: []string{"chmod", "+x", remotePath},
	})
	if err != nil {
		return "", err
	}
	if c.ExitCode != 0 {
		return "", fmt.Errorf("chmod on staged binary exited %d", c.ExitCode)
	}

	return remotePath, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
