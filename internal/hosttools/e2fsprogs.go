package hosttools

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolveE2FSProgsBinary resolves a requested e2fsprogs binary by checking:
// 1. PATH
// 2. The sbin directories that distros keep out of non-root PATHs.
func ResolveE2FSProgsBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	return "", fmt.Errorf("%s not found in PATH or sbin directories; install e2fsprogs", trimmed)
}

func candidateBinaryPaths(binary string) []string {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return nil
	}
	prefixes := []string{"/sbin", "/usr/sbin", "/usr/local/sbin"}
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		out = append(out, filepath.Join(prefix, trimmed))
	}
	return out
}
