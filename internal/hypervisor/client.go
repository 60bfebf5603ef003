// Package hypervisor drives a Firecracker process over its API socket:
// launching, configuring, booting, pausing, and snapshotting microVMs.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrStartupTimeout is returned when the hypervisor API socket does not
// become responsive within the configured window.
var ErrStartupTimeout = errors.New("hypervisor API did not become ready in time")

// ControlError is a non-2xx response from the hypervisor API.
type ControlError struct {
	StatusCode   int
	FaultMessage string
}

func (e *ControlError) Error() string {
	if e.FaultMessage != "" {
		return fmt.Sprintf("hypervisor API error (status %d): %s", e.StatusCode, e.FaultMessage)
	}
	return fmt.Sprintf("hypervisor API error (status %d)", e.StatusCode)
}

// Client talks to one Firecracker instance over its unix API socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// SocketPath returns the unix socket path this client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// WaitForReady polls the API root until the hypervisor answers, which it
// does only once its socket is bound and the event loop is serving. A value
// on exited means the process died before serving; the wait fails
// immediately instead of running out the timeout. A nil channel disables
// exit watching.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration, exited <-chan error) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := c.do(ctx, http.MethodGet, "/", nil); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (socket %s)", ErrStartupTimeout, c.socketPath)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for hypervisor API: %w", ctx.Err())
		case exitErr := <-exited:
			if exitErr != nil {
				return fmt.Errorf("%w: hypervisor exited before serving its API: %v", ErrStartupTimeout, exitErr)
			}
			return fmt.Errorf("%w: hypervisor exited before serving its API", ErrStartupTimeout)
		case <-ticker.C:
		}
	}
}

// MachineConfig mirrors the hypervisor's machine-config resource.
type MachineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

// BootSource mirrors the hypervisor's boot-source resource.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// Drive mirrors the hypervisor's drive resource.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// NetworkInterface mirrors the hypervisor's network-interface resource.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac,omitempty"`
	HostDevName string `json:"host_dev_name"`
}

// VsockDevice mirrors the hypervisor's vsock resource. Guest-initiated
// connections to guest port P surface as host connections on
// "<UDSPath>_<P>".
type VsockDevice struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// SnapshotRequest mirrors the hypervisor's snapshot/create resource. The
// VM must be paused first.
type SnapshotRequest struct {
	SnapshotType string `json:"snapshot_type"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

func (c *Client) PutMachineConfig(ctx context.Context, cfg MachineConfig) error {
	return c.do(ctx, http.MethodPut, "/machine-config", cfg)
}

func (c *Client) PutBootSource(ctx context.Context, src BootSource) error {
	return c.do(ctx, http.MethodPut, "/boot-source", src)
}

func (c *Client) PutDrive(ctx context.Context, d Drive) error {
	return c.do(ctx, http.MethodPut, "/drives/"+d.DriveID, d)
}

func (c *Client) PutNetworkInterface(ctx context.Context, iface NetworkInterface) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/"+iface.IfaceID, iface)
}

func (c *Client) PutVsock(ctx context.Context, v VsockDevice) error {
	return c.do(ctx, http.MethodPut, "/vsock", v)
}

// Start boots the configured VM. All device configuration must be complete
// and the vsock ready listener armed before calling this.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", map[string]string{"action_type": "InstanceStart"})
}

// Pause freezes guest vCPUs. Required before CreateSnapshot.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Paused"})
}

// Resume unfreezes a paused VM.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Resumed"})
}

// CreateSnapshot writes a full snapshot of the paused VM to the given
// paths.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/create", SnapshotRequest{
		SnapshotType: "Full",
		SnapshotPath: snapshotPath,
		MemFilePath:  memFilePath,
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	cerr := &ControlError{StatusCode: resp.StatusCode}
	var fault struct {
		FaultMessage string `json:"fault_message"`
	}
	if b, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil {
		if json.Unmarshal(b, &fault) == nil {
			cerr.FaultMessage = fault.FaultMessage
		}
	}
	return fmt.Errorf("%s %s: %w", method, path, cerr)
}
