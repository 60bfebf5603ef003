package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the base directory for warmbox state. A non-empty
// dataDir (the operator's configured data_dir) wins outright; otherwise:
// 1. $XDG_STATE_HOME/warmbox
// 2. ~/.local/state/warmbox
// 3. $XDG_RUNTIME_DIR/warmbox
func StateBaseDir(dataDir string) (string, error) {
	if dir := strings.TrimSpace(dataDir); dir != "" {
		return dir, nil
	}

	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "warmbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "warmbox"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "warmbox"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "warmbox"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// RegistryDBPath resolves the path of the sandbox registry database.
func RegistryDBPath(dataDir string) (string, error) {
	base, err := StateBaseDir(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "registry", "sandboxes.db"), nil
}

// LockFilePath resolves the path of the runner singleton lock file.
func LockFilePath(dataDir string) (string, error) {
	base, err := StateBaseDir(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runner.lock"), nil
}
