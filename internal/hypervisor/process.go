package hypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	ps "github.com/mitchellh/go-ps"
)

// LaunchOptions configures one hypervisor process.
type LaunchOptions struct {
	BinaryPath    string
	APISocketPath string
	// Privileged wraps the launch in "sudo -n" for hosts where the runner
	// itself is unprivileged but passwordless sudo is granted.
	Privileged bool
	// LogDir receives the process stdout/stderr capture files.
	LogDir string
	Logger *log.Logger
}

// Process is one running hypervisor instance and its exit channel.
type Process struct {
	cmd        *exec.Cmd
	waitCh     chan error
	socketPath string
	binaryName string
	logger     *log.Logger
}

// LaunchProcess starts the hypervisor binary bound to the given API
// socket. A stale socket from a crashed prior run is removed first so the
// new process can bind.
func LaunchProcess(ctx context.Context, opts LaunchOptions) (*Process, error) {
	if opts.BinaryPath == "" || opts.APISocketPath == "" {
		return nil, fmt.Errorf("binary path and API socket path are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	logger = logger.With("component", "hypervisor")

	if err := os.Remove(opts.APISocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale API socket %s: %w", opts.APISocketPath, err)
	}

	binary, err := exec.LookPath(opts.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("hypervisor binary %q not found: %w", opts.BinaryPath, err)
	}

	args := []string{binary, "--api-sock", opts.APISocketPath}
	if opts.Privileged {
		args = append([]string{"sudo", "-n"}, args...)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if opts.LogDir != "" {
		stdout, err := os.Create(filepath.Join(opts.LogDir, "hypervisor.stdout.log"))
		if err != nil {
			return nil, err
		}
		stderr, err := os.Create(filepath.Join(opts.LogDir, "hypervisor.stderr.log"))
		if err != nil {
			stdout.Close()
			return nil, err
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		// The process inherits the descriptors; close our copies once it
		// has started or failed to.
		defer stdout.Close()
		defer stderr.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start hypervisor: %w", err)
	}

	p := &Process{
		cmd:        cmd,
		waitCh:     make(chan error, 1),
		socketPath: opts.APISocketPath,
		binaryName: filepath.Base(binary),
		logger:     logger,
	}
	go func() {
		p.waitCh <- cmd.Wait()
	}()

	logger.Debug("launched hypervisor", "pid", cmd.Process.Pid, "socket", opts.APISocketPath)
	return p, nil
}

// Wait exposes the process exit channel. It yields exactly one value.
func (p *Process) Wait() <-chan error {
	return p.waitCh
}

// PID returns the launched process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Kill force-terminates the hypervisor and reaps it. If the direct kill
// does not take effect (the privileged wrapper does not relay SIGKILL), a
// process-table scan finds any hypervisor still holding our API socket and
// kills it too.
func (p *Process) Kill() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.waitCh:
	case <-time.After(3 * time.Second):
		p.logger.Warn("hypervisor did not exit after kill", "pid", p.cmd.Process.Pid)
	}
	return p.killStrays()
}

// killStrays scans the process table for hypervisor processes whose
// command line references our API socket and kills them. Best effort: scan
// failures are logged, not returned, since the common case is no strays.
func (p *Process) killStrays() error {
	procs, err := ps.Processes()
	if err != nil {
		p.logger.Warn("cannot scan process table for stray hypervisors", "error", err)
		return nil
	}
	for _, proc := range procs {
		if proc.Executable() != p.binaryName {
			continue
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", proc.Pid()))
		if err != nil {
			continue
		}
		if !strings.Contains(string(cmdline), p.socketPath) {
			continue
		}
		stray, err := os.FindProcess(proc.Pid())
		if err != nil {
			continue
		}
		if err := stray.Kill(); err == nil {
			p.logger.Warn("killed stray hypervisor", "pid", proc.Pid(), "socket", p.socketPath)
		}
	}
	return nil
}
