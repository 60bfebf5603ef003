package hypervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func writeFakeHypervisor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-firecracker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake hypervisor: %v", err)
	}
	return path
}

func TestLaunchProcessAndKill(t *testing.T) {
	t.Parallel()

	binary := writeFakeHypervisor(t, "#!/bin/sh\nsleep 60\n")
	dir := t.TempDir()

	p, err := LaunchProcess(context.Background(), LaunchOptions{
		BinaryPath:    binary,
		APISocketPath: filepath.Join(dir, "fc.sock"),
		LogDir:        dir,
		Logger:        log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("LaunchProcess: %v", err)
	}
	if p.PID() <= 0 {
		t.Errorf("PID = %d", p.PID())
	}

	select {
	case err := <-p.Wait():
		t.Fatalf("process exited prematurely: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestLaunchProcessRemovesStaleSocket(t *testing.T) {
	t.Parallel()

	binary := writeFakeHypervisor(t, "#!/bin/sh\nsleep 60\n")
	dir := t.TempDir()
	socket := filepath.Join(dir, "fc.sock")
	if err := os.WriteFile(socket, nil, 0o644); err != nil {
		t.Fatalf("seed stale socket: %v", err)
	}

	p, err := LaunchProcess(context.Background(), LaunchOptions{
		BinaryPath:    binary,
		APISocketPath: socket,
		Logger:        log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("LaunchProcess: %v", err)
	}
	defer func() { _ = p.Kill() }()

	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Errorf("stale socket not removed before launch, stat err = %v", err)
	}
}

func TestLaunchProcessMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := LaunchProcess(context.Background(), LaunchOptions{
		BinaryPath:    filepath.Join(t.TempDir(), "no-such-binary"),
		APISocketPath: filepath.Join(t.TempDir(), "fc.sock"),
		Logger:        log.New(io.Discard),
	})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestLaunchProcessCapturesOutput(t *testing.T) {
	t.Parallel()

	binary := writeFakeHypervisor(t, "#!/bin/sh\necho booted\necho boom >&2\n")
	dir := t.TempDir()

	p, err := LaunchProcess(context.Background(), LaunchOptions{
		BinaryPath:    binary,
		APISocketPath: filepath.Join(dir, "fc.sock"),
		LogDir:        dir,
		Logger:        log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("LaunchProcess: %v", err)
	}

	select {
	case <-p.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	stdout, err := os.ReadFile(filepath.Join(dir, "hypervisor.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout capture: %v", err)
	}
	if string(stdout) != "booted\n" {
		t.Errorf("stdout capture = %q", stdout)
	}
	stderr, err := os.ReadFile(filepath.Join(dir, "hypervisor.stderr.log"))
	if err != nil {
		t.Fatalf("read stderr capture: %v", err)
	}
	if string(stderr) != "boom\n" {
		t.Errorf("stderr capture = %q", stderr)
	}
}
