package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pcwill068-cloud/warmbox/internal/hypervisor"
	"github.com/pcwill068-cloud/warmbox/internal/netenv"
)

// harness records every collaborator call in order and injects failures by
// step name.
type harness struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func newHarness() *harness {
	return &harness{errs: map[string]error{}}
}

func (h *harness) step(name string) error {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
	return h.errs[name]
}

func (h *harness) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *harness) indexOf(t *testing.T, name string) int {
	t.Helper()
	i := slices.Index(h.recorded(), name)
	if i < 0 {
		t.Fatalf("call %q not recorded in %v", name, h.recorded())
	}
	return i
}

type fakeVM struct{ h *harness }

func (f *fakeVM) Kill() error { return f.h.step("process.kill") }

func (f *fakeVM) Wait() <-chan error { return nil }

type fakeListener struct{ h *harness }

func (f *fakeListener) WaitForGuestConnection(context.Context, time.Duration) error {
	return f.h.step("listener.wait")
}

func (f *fakeListener) Close() error { return f.h.step("listener.close") }

type fakeClient struct{ h *harness }

func (f *fakeClient) WaitForReady(context.Context, time.Duration, <-chan error) error {
	return f.h.step("client.wait_ready")
}

func (f *fakeClient) PutMachineConfig(context.Context, hypervisor.MachineConfig) error {
	return f.h.step("client.put_machine_config")
}

func (f *fakeClient) PutBootSource(context.Context, hypervisor.BootSource) error {
	return f.h.step("client.put_boot_source")
}

func (f *fakeClient) PutDrive(_ context.Context, d hypervisor.Drive) error {
	return f.h.step("client.put_drive." + d.DriveID)
}

func (f *fakeClient) PutNetworkInterface(context.Context, hypervisor.NetworkInterface) error {
	return f.h.step("client.put_network_interface")
}

func (f *fakeClient) PutVsock(context.Context, hypervisor.VsockDevice) error {
	return f.h.step("client.put_vsock")
}

func (f *fakeClient) Start(context.Context) error { return f.h.step("client.start") }

func (f *fakeClient) Pause(context.Context) error { return f.h.step("client.pause") }

func (f *fakeClient) CreateSnapshot(_ context.Context, snapshotPath, memFilePath string) error {
	if err := f.h.step("client.create_snapshot"); err != nil {
		return err
	}
	if err := os.WriteFile(snapshotPath, []byte("vmstate"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(memFilePath, []byte("guestmem"), 0o644)
}

func newTestGenerator(t *testing.T, h *harness) *Generator {
	t.Helper()

	base := t.TempDir()
	g, err := New(Options{
		SandboxID:   "sbx-test",
		RunDir:      filepath.Join(base, "run"),
		OutputDir:   filepath.Join(base, "out"),
		KernelImage: "/boot/vmlinux",
		RootFS:      "/var/lib/warmbox/rootfs.ext4",
		TapDevice:   "wbtap1-1",
		GatewayCIDR: "10.61.0.1/16",
		BootTimeout: time.Second,
		Logger:      log.New(io.Discard),
	}, &netenv.Manager{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g.deps = deps{
		createOverlay: func(_ context.Context, path string, _ int64) error {
			if err := h.step("overlay.create"); err != nil {
				return err
			}
			return os.WriteFile(path, []byte("overlay"), 0o644)
		},
		createNetwork: func(string, netenv.TapSpec) error { return h.step("network.create") },
		deleteNetwork: func(string) error { return h.step("network.delete") },
		launch: func(context.Context, hypervisor.LaunchOptions) (vmProcess, error) {
			return &fakeVM{h: h}, h.step("process.launch")
		},
		newClient: func(string) controlClient { return &fakeClient{h: h} },
		armReady: func(string, uint32) (readyListener, error) {
			return &fakeListener{h: h}, h.step("listener.arm")
		},
		probeGuest: func(context.Context, string, uint32) error { return h.step("guest.probe") },
	}
	return g
}

func TestGenerateHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness()
	g := newTestGenerator(t, h)

	arts, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := g.CurrentState(); got != StateCleaned {
		t.Errorf("final state = %s, want cleaned", got)
	}

	for name, path := range map[string]string{
		"snapshot": arts.SnapshotPath,
		"memory":   arts.MemoryPath,
		"overlay":  arts.OverlayPath,
	} {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("%s artifact unreadable: %v", name, err)
			continue
		}
		if len(b) == 0 {
			t.Errorf("%s artifact is empty", name)
		}
	}

	// Boot ordering: listener armed strictly before the boot action, pause
	// strictly before capture.
	if h.indexOf(t, "listener.arm") > h.indexOf(t, "client.start") {
		t.Error("ready listener armed after boot")
	}
	if h.indexOf(t, "client.start") > h.indexOf(t, "listener.wait") {
		t.Error("waited for guest before booting")
	}
	if h.indexOf(t, "client.pause") > h.indexOf(t, "client.create_snapshot") {
		t.Error("snapshot captured before pause")
	}
	if h.indexOf(t, "guest.probe") > h.indexOf(t, "client.pause") {
		t.Error("paused before liveness probe")
	}

	// Cleanup still runs on success.
	for _, want := range []string{"listener.close", "process.kill", "network.delete"} {
		h.indexOf(t, want)
	}

	// The whole run directory is gone; only published artifacts remain.
	if _, err := os.Stat(g.opts.RunDir); !os.IsNotExist(err) {
		t.Errorf("run directory not removed, stat err = %v", err)
	}
}

func TestGenerateCleansUpInReverseOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.errs["listener.wait"] = errors.New("guest never connected")
	g := newTestGenerator(t, h)

	if _, err := g.Generate(context.Background()); err == nil {
		t.Fatal("expected Generate to fail")
	}

	calls := h.recorded()
	var cleanupOrder []string
	for _, c := range calls {
		switch c {
		case "listener.close", "process.kill", "network.delete":
			cleanupOrder = append(cleanupOrder, c)
		}
	}
	want := []string{"listener.close", "process.kill", "network.delete"}
	if !slices.Equal(cleanupOrder, want) {
		t.Errorf("cleanup order = %v, want %v", cleanupOrder, want)
	}

	// The run directory and its scratch contents do not outlive the run.
	if _, err := os.Stat(g.opts.RunDir); !os.IsNotExist(err) {
		t.Errorf("run directory not removed after failure, stat err = %v", err)
	}
}

func TestGenerateNoArtifactsOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.errs["client.pause"] = errors.New("pause rejected")
	g := newTestGenerator(t, h)

	if _, err := g.Generate(context.Background()); err == nil {
		t.Fatal("expected Generate to fail")
	}

	entries, err := os.ReadDir(g.opts.OutputDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("output dir not empty after failure: %v", names)
	}
}

func TestGenerateConfigureFailureAbortsBeforeBoot(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.errs["client.put_boot_source"] = errors.New("kernel missing")
	g := newTestGenerator(t, h)

	_, err := g.Generate(context.Background())
	if err == nil {
		t.Fatal("expected Generate to fail")
	}
	if !strings.Contains(err.Error(), "configure VM") {
		t.Errorf("err = %v, want configure VM wrap", err)
	}
	if slices.Contains(h.recorded(), "client.start") {
		t.Error("VM booted despite configuration failure")
	}
}

func TestNewRequiresNetworkManagerForTap(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	_, err := New(Options{
		SandboxID:   "sbx-test",
		RunDir:      filepath.Join(base, "run"),
		OutputDir:   filepath.Join(base, "out"),
		KernelImage: "/boot/vmlinux",
		RootFS:      "/var/lib/warmbox/rootfs.ext4",
		TapDevice:   "wbtap1-1",
		GatewayCIDR: "10.61.0.1/16",
		Logger:      log.New(io.Discard),
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "network manager") {
		t.Fatalf("expected network manager error, got %v", err)
	}
}

func TestGenerateLaunchFailureTearsDownNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.errs["process.launch"] = errors.New("binary missing")
	g := newTestGenerator(t, h)

	if _, err := g.Generate(context.Background()); err == nil {
		t.Fatal("expected Generate to fail")
	}
	h.indexOf(t, "network.delete")
	if slices.Contains(h.recorded(), "process.kill") {
		t.Error("killed a process that never launched")
	}
}

func TestPublishIsAtomic(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	out := t.TempDir()

	snapshotPath := filepath.Join(work, "snapshot.bin")
	overlayPath := filepath.Join(work, "overlay.ext4")
	for _, p := range []string{snapshotPath, overlayPath} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	// memory.bin missing: publish must fail and leave nothing behind.
	_, err := publish(out, snapshotPath, filepath.Join(work, "memory.bin"), overlayPath)
	if err == nil {
		t.Fatal("expected publish to fail")
	}

	entries, readErr := os.ReadDir(out)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("output dir not empty after failed publish: %v", names)
	}
}
