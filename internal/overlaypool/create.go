package overlaypool

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/pcwill068-cloud/warmbox/internal/hosttools"
)

// CreateSparseExt4 creates one sparse ext4 overlay image at path.
// Idempotent: an existing image is truncated and reformatted, so a retry
// after a partial failure converges on a valid overlay.
func CreateSparseExt4(ctx context.Context, path string, sizeBytes int64) error {
	mkfs, err := hosttools.ResolveE2FSProgsBinary("mkfs.ext4")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("allocate %d sparse bytes: %w", sizeBytes, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}

	cmd := exec.CommandContext(ctx, mkfs, "-F", "-q", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("mkfs.ext4 %s: %w: %s", path, err, out)
	}
	return nil
}
