package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	snapshotFileName = "snapshot.bin"
	memoryFileName   = "memory.bin"
	overlayFileName  = "overlay.ext4"
)

// publish copies the three working files into the output directory. All
// copies land as temporary files first and are renamed only once every
// copy has succeeded, so a consumer never observes a partial artifact set.
func publish(outputDir, snapshotPath, memoryPath, overlayPath string) (Artifacts, error) {
	sources := []struct {
		src  string
		name string
	}{
		{snapshotPath, snapshotFileName},
		{memoryPath, memoryFileName},
		{overlayPath, overlayFileName},
	}

	tmpPaths := make([]string, len(sources))
	removeTemps := func() {
		for _, p := range tmpPaths {
			if p != "" {
				_ = os.Remove(p)
			}
		}
	}

	for i, s := range sources {
		tmp, err := copyToTemp(s.src, outputDir, s.name)
		if err != nil {
			removeTemps()
			return Artifacts{}, fmt.Errorf("stage artifact %s: %w", s.name, err)
		}
		tmpPaths[i] = tmp
	}

	finalPaths := make([]string, len(sources))
	for i, s := range sources {
		final := filepath.Join(outputDir, s.name)
		if err := os.Rename(tmpPaths[i], final); err != nil {
			removeTemps()
			return Artifacts{}, fmt.Errorf("publish artifact %s: %w", s.name, err)
		}
		tmpPaths[i] = ""
		finalPaths[i] = final
	}

	return Artifacts{
		SnapshotPath: finalPaths[0],
		MemoryPath:   finalPaths[1],
		OverlayPath:  finalPaths[2],
	}, nil
}

func copyToTemp(src, dir, name string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}
