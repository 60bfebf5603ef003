// Package proxy supervises the transparent TLS-intercepting proxy process
// that sandbox egress is redirected through. The proxy is an optional
// dependency: the runner degrades to proxyless networking when it cannot
// start.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures the proxy process.
type Options struct {
	// BinaryPath is the proxy executable, resolved through PATH.
	BinaryPath string
	// Port is the local port the proxy listens on; iptables redirects
	// sandbox traffic here.
	Port int
	// CADir holds the interception CA material the proxy serves from.
	CADir string
	// StartupGrace is how long the process must survive after launch
	// before Start reports success. Misconfiguration (bad port, missing
	// CA) makes the proxy exit within this window.
	StartupGrace time.Duration
	Logger       *log.Logger
}

// Manager owns at most one running proxy process.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
}

func New(opts Options) (*Manager, error) {
	if opts.BinaryPath == "" {
		return nil, errors.New("proxy binary path is required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %d", opts.Port)
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Manager{opts: opts, logger: logger.With("component", "proxy")}, nil
}

// Start launches the proxy and verifies it survives its startup grace
// window. Callers treat a Start failure as degraded mode, not fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return errors.New("proxy already running")
	}

	binary, err := exec.LookPath(m.opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("proxy binary %q not found: %w", m.opts.BinaryPath, err)
	}

	args := []string{
		"--mode", "transparent",
		"--listen-port", strconv.Itoa(m.opts.Port),
		"--showhost",
	}
	if m.opts.CADir != "" {
		args = append(args, "--set", "confdir="+m.opts.CADir)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		if err == nil {
			err = errors.New("proxy exited immediately")
		}
		return fmt.Errorf("proxy failed during startup: %w", err)
	case <-time.After(m.opts.StartupGrace):
	}

	m.cmd = cmd
	m.waitCh = waitCh
	m.logger.Info("started transparent proxy", "pid", cmd.Process.Pid, "port", m.opts.Port)
	return nil
}

// Running reports whether a proxy process is currently supervised.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Port returns the configured listen port.
func (m *Manager) Port() int {
	return m.opts.Port
}

// Stop terminates the proxy and reaps it. Stopping an already-stopped
// manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return nil
	}
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
	select {
	case <-m.waitCh:
	case <-time.After(3 * time.Second):
		m.logger.Warn("proxy did not exit after kill", "pid", m.cmd.Process.Pid)
	}
	m.logger.Debug("stopped transparent proxy", "port", m.opts.Port)
	m.cmd = nil
	m.waitCh = nil
	return nil
}
