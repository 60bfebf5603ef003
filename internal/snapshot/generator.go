// Package snapshot builds warm-boot snapshot artifacts: it boots a fresh
// microVM to a verified-ready state, pauses it, and captures the VM state,
// guest memory, and overlay disk for later restores.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pcwill068-cloud/warmbox/internal/guestchan"
	"github.com/pcwill068-cloud/warmbox/internal/hypervisor"
	"github.com/pcwill068-cloud/warmbox/internal/netenv"
	"github.com/pcwill068-cloud/warmbox/internal/overlaypool"
	"github.com/pcwill068-cloud/warmbox/internal/vsockping"
)

// State names each stage the generator passes through. Cleanup unwinds
// completed stages in reverse, so the current state determines exactly
// what gets torn down after a failure.
type State string

const (
	StateInit              State = "init"
	StateOverlayCreated    State = "overlay_created"
	StateNamespaceCreated  State = "namespace_created"
	StateHypervisorStarted State = "hypervisor_started"
	StateAPIReady          State = "api_ready"
	StateConfigured        State = "configured"
	StateVsockArmed        State = "vsock_armed"
	StateInstanceStarted   State = "instance_started"
	StateGuestConnected    State = "guest_connected"
	StateGuestVerified     State = "guest_verified"
	StatePaused            State = "paused"
	StateSnapshotted       State = "snapshotted"
	StatePublished         State = "published"
	StateCleaned           State = "cleaned"
)

// Artifacts are the published snapshot outputs.
type Artifacts struct {
	SnapshotPath string
	MemoryPath   string
	OverlayPath  string
}

// Options configures one snapshot generation run.
type Options struct {
	SandboxID string
	// RunDir holds per-run scratch: sockets, logs, unpublished snapshot
	// files.
	RunDir string
	// OutputDir receives the published artifacts.
	OutputDir string

	HypervisorBinary string
	KernelImage      string
	RootFS           string
	BootArgs         string
	VCPUs            int64
	MemoryMiB        int64
	GuestCID         uint32
	GuestPort        uint32
	ReadyPort        uint32
	OverlayBytes     int64
	TapDevice        string
	GuestMAC         string
	Netns            string
	GatewayCIDR      string
	Privileged       bool

	// BootTimeout bounds each wait in the boot sequence: API readiness,
	// guest connection, and the liveness probe.
	BootTimeout time.Duration

	Logger *log.Logger
}

// controlClient is the hypervisor API surface the generator drives.
type controlClient interface {
	WaitForReady(ctx context.Context, timeout time.Duration, exited <-chan error) error
	PutMachineConfig(ctx context.Context, cfg hypervisor.MachineConfig) error
	PutBootSource(ctx context.Context, src hypervisor.BootSource) error
	PutDrive(ctx context.Context, d hypervisor.Drive) error
	PutNetworkInterface(ctx context.Context, iface hypervisor.NetworkInterface) error
	PutVsock(ctx context.Context, v hypervisor.VsockDevice) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error
}

var _ controlClient = (*hypervisor.Client)(nil)

type vmProcess interface {
	Kill() error
	Wait() <-chan error
}

type readyListener interface {
	WaitForGuestConnection(ctx context.Context, timeout time.Duration) error
	Close() error
}

// deps are the side-effecting collaborators, injectable for tests.
type deps struct {
	createOverlay func(ctx context.Context, path string, sizeBytes int64) error
	createNetwork func(netns string, spec netenv.TapSpec) error
	deleteNetwork func(netns string) error
	launch        func(ctx context.Context, opts hypervisor.LaunchOptions) (vmProcess, error)
	newClient     func(socketPath string) controlClient
	armReady      func(udsPath string, port uint32) (readyListener, error)
	probeGuest    func(ctx context.Context, udsPath string, port uint32) error
}

// Generator drives one VM from cold boot to published snapshot.
type Generator struct {
	opts   Options
	deps   deps
	logger *log.Logger

	mu    sync.Mutex
	state State
}

func New(opts Options, netMgr *netenv.Manager) (*Generator, error) {
	if opts.SandboxID == "" {
		return nil, errors.New("sandbox ID is required")
	}
	if opts.RunDir == "" || opts.OutputDir == "" {
		return nil, errors.New("run and output directories are required")
	}
	if opts.KernelImage == "" || opts.RootFS == "" {
		return nil, errors.New("kernel image and rootfs are required")
	}
	if opts.TapDevice != "" && netMgr == nil {
		return nil, errors.New("a network manager is required when a tap device is configured")
	}
	applyDefaults(&opts)

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	logger = logger.With("component", "snapshot", "sandbox", opts.SandboxID)

	return &Generator{
		opts:   opts,
		logger: logger,
		state:  StateInit,
		deps: deps{
			createOverlay: overlaypool.CreateSparseExt4,
			createNetwork: netMgr.CreateNetnsWithTap,
			deleteNetwork: netMgr.DeleteNetns,
			launch: func(ctx context.Context, launchOpts hypervisor.LaunchOptions) (vmProcess, error) {
				return hypervisor.LaunchProcess(ctx, launchOpts)
			},
			newClient: func(socketPath string) controlClient {
				return hypervisor.NewClient(socketPath)
			},
			armReady: func(udsPath string, port uint32) (readyListener, error) {
				return guestchan.Listen(udsPath, port)
			},
			probeGuest: guestchan.IsReachable,
		},
	}, nil
}

func applyDefaults(opts *Options) {
	if opts.HypervisorBinary == "" {
		opts.HypervisorBinary = "firecracker"
	}
	if opts.BootArgs == "" {
		opts.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	if opts.VCPUs <= 0 {
		opts.VCPUs = 1
	}
	if opts.MemoryMiB <= 0 {
		opts.MemoryMiB = 512
	}
	if opts.GuestCID == 0 {
		opts.GuestCID = 3
	}
	if opts.GuestPort == 0 {
		opts.GuestPort = vsockping.DefaultPort
	}
	if opts.ReadyPort == 0 {
		opts.ReadyPort = vsockping.ReadyPort
	}
	if opts.OverlayBytes <= 0 {
		opts.OverlayBytes = 2 << 30
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 30 * time.Second
	}
	if opts.Netns == "" {
		opts.Netns = "wb-" + opts.SandboxID
	}
}

// CurrentState returns the stage the generator last completed.
func (g *Generator) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generator) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	g.logger.Debug("state transition", "state", string(s))
}

// Generate runs the full boot-verify-pause-capture sequence. Host
// resources from completed stages are torn down in reverse order whether
// the run succeeds or fails; artifacts appear in the output directory only
// on full success.
func (g *Generator) Generate(ctx context.Context) (arts Artifacts, err error) {
	if err := os.MkdirAll(g.opts.RunDir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create run directory: %w", err)
	}
	if err := os.MkdirAll(g.opts.OutputDir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create output directory: %w", err)
	}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		g.setState(StateCleaned)
	}()

	// Outermost cleanup: the run directory and everything still in it
	// (sockets, log captures, working copies) goes away on every exit.
	cleanups = append(cleanups, func() {
		if err := os.RemoveAll(g.opts.RunDir); err != nil {
			g.logger.Warn("remove run directory", "error", err)
		}
	})

	overlayPath := filepath.Join(g.opts.RunDir, "overlay.ext4")
	if err := g.deps.createOverlay(ctx, overlayPath, g.opts.OverlayBytes); err != nil {
		return Artifacts{}, fmt.Errorf("create overlay: %w", err)
	}
	g.setState(StateOverlayCreated)

	if g.opts.TapDevice != "" {
		spec := netenv.TapSpec{TapName: g.opts.TapDevice, GatewayCIDR: g.opts.GatewayCIDR}
		if err := g.deps.createNetwork(g.opts.Netns, spec); err != nil {
			return Artifacts{}, fmt.Errorf("create network namespace: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := g.deps.deleteNetwork(g.opts.Netns); err != nil {
				g.logger.Warn("delete network namespace", "error", err)
			}
		})
		g.setState(StateNamespaceCreated)
	}

	apiSocket := filepath.Join(g.opts.RunDir, "firecracker.sock")
	proc, err := g.deps.launch(ctx, hypervisor.LaunchOptions{
		BinaryPath:    g.opts.HypervisorBinary,
		APISocketPath: apiSocket,
		Privileged:    g.opts.Privileged,
		LogDir:        g.opts.RunDir,
		Logger:        g.logger,
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("launch hypervisor: %w", err)
	}
	cleanups = append(cleanups, func() {
		if err := proc.Kill(); err != nil {
			g.logger.Warn("kill hypervisor", "error", err)
		}
	})
	g.setState(StateHypervisorStarted)

	client := g.deps.newClient(apiSocket)
	if err := client.WaitForReady(ctx, g.opts.BootTimeout, proc.Wait()); err != nil {
		return Artifacts{}, err
	}
	g.setState(StateAPIReady)

	udsPath := filepath.Join(g.opts.RunDir, "vsock.sock")
	if err := g.configure(ctx, client, overlayPath, udsPath); err != nil {
		return Artifacts{}, err
	}
	g.setState(StateConfigured)

	// The ready socket must exist before boot or the hypervisor drops the
	// guest agent's first connection and the boot wait times out.
	listener, err := g.deps.armReady(udsPath, g.opts.ReadyPort)
	if err != nil {
		return Artifacts{}, err
	}
	cleanups = append(cleanups, func() {
		if err := listener.Close(); err != nil {
			g.logger.Warn("close ready listener", "error", err)
		}
	})
	g.setState(StateVsockArmed)

	if err := client.Start(ctx); err != nil {
		return Artifacts{}, fmt.Errorf("boot VM: %w", err)
	}
	g.setState(StateInstanceStarted)

	if err := listener.WaitForGuestConnection(ctx, g.opts.BootTimeout); err != nil {
		return Artifacts{}, err
	}
	g.setState(StateGuestConnected)

	probeCtx, cancel := context.WithTimeout(ctx, g.opts.BootTimeout)
	err = g.deps.probeGuest(probeCtx, udsPath, g.opts.GuestPort)
	cancel()
	if err != nil {
		return Artifacts{}, err
	}
	g.setState(StateGuestVerified)

	if err := client.Pause(ctx); err != nil {
		return Artifacts{}, fmt.Errorf("pause VM: %w", err)
	}
	g.setState(StatePaused)

	workSnapshot := filepath.Join(g.opts.RunDir, "snapshot.bin")
	workMemory := filepath.Join(g.opts.RunDir, "memory.bin")
	if err := client.CreateSnapshot(ctx, workSnapshot, workMemory); err != nil {
		return Artifacts{}, fmt.Errorf("capture snapshot: %w", err)
	}
	g.setState(StateSnapshotted)

	arts, err = publish(g.opts.OutputDir, workSnapshot, workMemory, overlayPath)
	if err != nil {
		return Artifacts{}, err
	}
	g.setState(StatePublished)

	g.logger.Info("snapshot published",
		"snapshot", arts.SnapshotPath,
		"memory", arts.MemoryPath,
		"overlay", arts.OverlayPath)
	return arts, nil
}

// configure pushes all pre-boot device configuration. The resources are
// independent, so the calls run concurrently; any failure aborts the run.
func (g *Generator) configure(ctx context.Context, client controlClient, overlayPath, udsPath string) error {
	steps := []func() error{
		func() error {
			return client.PutMachineConfig(ctx, hypervisor.MachineConfig{
				VCPUCount:  g.opts.VCPUs,
				MemSizeMiB: g.opts.MemoryMiB,
				SMT:        false,
			})
		},
		func() error {
			return client.PutBootSource(ctx, hypervisor.BootSource{
				KernelImagePath: g.opts.KernelImage,
				BootArgs:        g.opts.BootArgs,
			})
		},
		func() error {
			return client.PutDrive(ctx, hypervisor.Drive{
				DriveID:      "rootfs",
				PathOnHost:   g.opts.RootFS,
				IsRootDevice: true,
				IsReadOnly:   true,
			})
		},
		func() error {
			return client.PutDrive(ctx, hypervisor.Drive{
				DriveID:    "overlay",
				PathOnHost: overlayPath,
			})
		},
		func() error {
			return client.PutVsock(ctx, hypervisor.VsockDevice{
				GuestCID: g.opts.GuestCID,
				UDSPath:  udsPath,
			})
		},
	}
	if g.opts.TapDevice != "" {
		steps = append(steps, func() error {
			return client.PutNetworkInterface(ctx, hypervisor.NetworkInterface{
				IfaceID:     "eth0",
				GuestMAC:    g.opts.GuestMAC,
				HostDevName: g.opts.TapDevice,
			})
		})
	}

	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = step()
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("configure VM: %w", err)
	}
	return nil
}
