package hosttools

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

type fakeFileInfo struct {
	dir bool
}

func (f fakeFileInfo) Name() string       { return "mkfs.ext4" }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o755 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

func TestResolveBinaryPrefersPath(t *testing.T) {
	t.Parallel()

	lookPath := func(name string) (string, error) {
		if name != "mkfs.ext4" {
			t.Fatalf("unexpected lookup %q", name)
		}
		return "/usr/bin/mkfs.ext4", nil
	}
	stat := func(string) (os.FileInfo, error) {
		t.Fatal("stat should not be called when PATH resolves")
		return nil, nil
	}

	got, err := resolveBinary("mkfs.ext4", lookPath, stat, []string{"/sbin/mkfs.ext4"})
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	if got != "/usr/bin/mkfs.ext4" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveBinaryFallsBackToSbinCandidates(t *testing.T) {
	t.Parallel()

	lookPath := func(string) (string, error) { return "", errors.New("not in PATH") }
	stat := func(path string) (os.FileInfo, error) {
		if path == "/usr/sbin/mkfs.ext4" {
			return fakeFileInfo{}, nil
		}
		return nil, os.ErrNotExist
	}

	got, err := resolveBinary("mkfs.ext4", lookPath, stat, candidateBinaryPaths("mkfs.ext4"))
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	if got != "/usr/sbin/mkfs.ext4" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveBinarySkipsDirectories(t *testing.T) {
	t.Parallel()

	lookPath := func(string) (string, error) { return "", errors.New("not in PATH") }
	stat := func(path string) (os.FileInfo, error) {
		if path == "/sbin/mkfs.ext4" {
			return fakeFileInfo{dir: true}, nil
		}
		return nil, os.ErrNotExist
	}

	_, err := resolveBinary("mkfs.ext4", lookPath, stat, candidateBinaryPaths("mkfs.ext4"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestResolveBinaryRequiresName(t *testing.T) {
	t.Parallel()

	_, err := resolveBinary("  ", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for empty binary name")
	}
}
