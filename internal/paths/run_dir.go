package paths

import "path/filepath"

// RunBaseDir resolves the base directory for per-VM run artifacts
// (overlays, sockets, hypervisor logs) under the state base directory.
func RunBaseDir(dataDir string) (string, error) {
	base, err := StateBaseDir(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runs"), nil
}

// OverlayPoolDir resolves the directory holding pre-created overlay images.
func OverlayPoolDir(dataDir string) (string, error) {
	base, err := StateBaseDir(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "overlay-pool"), nil
}

// SnapshotOutputDir resolves the directory holding published snapshot
// artifact sets consumed by fast-boot paths.
func SnapshotOutputDir(dataDir string) (string, error) {
	base, err := StateBaseDir(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "snapshots"), nil
}
