// Package guestchan manages the host side of the vsock channel to a
// booting guest: the ready listener armed before boot, and liveness probes
// against the agent once the guest is up.
package guestchan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"

	"github.com/pcwill068-cloud/warmbox/internal/vsockping"
)

// ErrGuestTimeout is returned when the guest does not announce readiness
// within the configured window.
var ErrGuestTimeout = errors.New("guest did not connect in time")

// HostSocketPath returns the host unix socket the hypervisor creates for
// guest-initiated connections to the given guest-side port.
func HostSocketPath(udsPath string, port uint32) string {
	return fmt.Sprintf("%s_%d", udsPath, port)
}

// ReadyListener accepts the guest agent's boot-time ready announcement.
// It must be armed before the VM boots: the hypervisor forwards a
// guest-initiated connection only if the host socket already exists.
type ReadyListener struct {
	ln        net.Listener
	path      string
	closeOnce sync.Once
	closeErr  error
}

// Listen arms the ready listener for the guest port on the given vsock
// device path. A stale socket file from a prior run is removed first.
func Listen(udsPath string, port uint32) (*ReadyListener, error) {
	path := HostSocketPath(udsPath, port)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale ready socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("arm ready listener on %s: %w", path, err)
	}
	return &ReadyListener{ln: ln, path: path}, nil
}

// Path returns the host socket path the listener is bound to.
func (l *ReadyListener) Path() string {
	return l.path
}

// WaitForGuestConnection blocks until the guest agent connects and sends
// its ready frame, or the timeout elapses.
func (l *ReadyListener) WaitForGuestConnection(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if ul, ok := l.ln.(*net.UnixListener); ok {
		if err := ul.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w (socket %s)", ErrGuestTimeout, l.path)
		}
		return fmt.Errorf("accept guest connection: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	frame, err := vsockping.Decode(conn)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w (socket %s)", ErrGuestTimeout, l.path)
		}
		return fmt.Errorf("read ready frame: %w", err)
	}
	if frame.Type != vsockping.FrameReady {
		return fmt.Errorf("expected ready frame, got %q", frame.Type)
	}
	if frame.Error != "" {
		return fmt.Errorf("guest reported boot error: %s", frame.Error)
	}
	return nil
}

// Close shuts the listener and removes its socket file. Idempotent.
func (l *ReadyListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		_ = os.Remove(l.path)
	})
	return l.closeErr
}

// IsReachable dials the guest agent through the hypervisor's vsock device
// and performs one nonce-checked ping exchange. A paused or wedged guest
// fails the probe.
func IsReachable(ctx context.Context, udsPath string, port uint32) error {
	conn, err := fcvsock.DialContext(ctx, udsPath, port)
	if err != nil {
		return fmt.Errorf("dial guest agent: %w", err)
	}
	defer conn.Close()

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	if err := vsockping.Ping(conn, nonce); err != nil {
		return fmt.Errorf("guest agent probe: %w", err)
	}
	return nil
}

func newNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate probe nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
