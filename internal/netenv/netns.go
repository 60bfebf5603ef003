package netenv

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// TapSpec describes the single TAP device created inside a namespace.
type TapSpec struct {
	TapName string
	// GatewayCIDR is the gateway address with prefix length assigned to
	// the TAP, e.g. "169.254.0.1/30".
	GatewayCIDR string
}

// nsLink is the netlink surface used inside a namespace, satisfied by
// *netlink.Handle and fakeable without root.
type nsLink interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
}

var (
	deleteNamedNS = netns.DeleteNamed

	// enterNewNamespace creates the named namespace and returns a netlink
	// handle scoped to it plus a restore func. NewNamed moves the calling
	// thread, so the thread stays pinned until restore runs.
	enterNewNamespace = func(name string) (nsLink, func(), error) {
		runtime.LockOSThread()
		origin, err := netns.Get()
		if err != nil {
			runtime.UnlockOSThread()
			return nil, nil, fmt.Errorf("capture current namespace: %w", err)
		}

		ns, err := netns.NewNamed(name)
		if err != nil {
			origin.Close()
			runtime.UnlockOSThread()
			return nil, nil, fmt.Errorf("create namespace %s: %w", name, err)
		}

		handle, err := netlink.NewHandleAt(ns)
		if err != nil {
			_ = netns.Set(origin)
			ns.Close()
			origin.Close()
			runtime.UnlockOSThread()
			return nil, nil, fmt.Errorf("netlink handle for namespace %s: %w", name, err)
		}

		restore := func() {
			handle.Close()
			_ = netns.Set(origin)
			ns.Close()
			origin.Close()
			runtime.UnlockOSThread()
		}
		return handle, restore, nil
	}
)

// CreateNetnsWithTap deletes any stale namespace with the same name, then
// creates a fresh one holding one TAP device configured with the gateway
// address. Stale namespaces are expected after a crashed prior run, so
// delete-then-create is the normal path, not error recovery.
func (m *Manager) CreateNetnsWithTap(name string, spec TapSpec) error {
	if name == "" || spec.TapName == "" {
		return errors.New("namespace and tap names are required")
	}
	addr, err := netlink.ParseAddr(spec.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway address %q: %w", spec.GatewayCIDR, err)
	}

	if err := m.DeleteNetns(name); err != nil {
		return fmt.Errorf("delete stale namespace %s: %w", name, err)
	}

	handle, restore, err := enterNewNamespace(name)
	if err != nil {
		return err
	}
	defer restore()

	if lo, err := handle.LinkByName("lo"); err == nil {
		if err := handle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up in %s: %w", name, err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: spec.TapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := handle.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s in %s: %w", spec.TapName, name, err)
	}
	if err := handle.AddrAdd(tap, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("assign %s to %s: %w", spec.GatewayCIDR, spec.TapName, err)
	}
	if err := handle.LinkSetUp(tap); err != nil {
		return fmt.Errorf("bring %s up in %s: %w", spec.TapName, name, err)
	}

	m.logger.Info("created network namespace", "netns", name, "tap", spec.TapName, "gateway", spec.GatewayCIDR)
	return nil
}

// DeleteNetns removes the named namespace. Idempotent: a missing namespace
// is not an error.
func (m *Manager) DeleteNetns(name string) error {
	err := deleteNamedNS(name)
	if err == nil {
		m.logger.Debug("deleted network namespace", "netns", name)
		return nil
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return nil
	}
	return fmt.Errorf("delete namespace %s: %w", name, err)
}
