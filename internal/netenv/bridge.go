package netenv

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// SetupBridge idempotently creates the runner bridge with its gateway
// address and brings it up. Safe to call on every startup.
func (m *Manager) SetupBridge() error {
	link, err := netlink.LinkByName(m.bridge)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup bridge %s: %w", m.bridge, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: m.bridge}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", m.bridge, err)
		}
		link, err = netlink.LinkByName(m.bridge)
		if err != nil {
			return fmt.Errorf("get bridge %s: %w", m.bridge, err)
		}
		m.logger.Info("created bridge", "bridge", m.bridge)
	}

	addr, err := netlink.ParseAddr(m.bridgeCIDR)
	if err != nil {
		return fmt.Errorf("parse bridge address %q: %w", m.bridgeCIDR, err)
	}
	if err := ensureAddress(link, addr); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", m.bridge, err)
	}
	return nil
}

// FlushBridgeARPCache clears neighbor entries on the bridge. IP addresses
// are reused with fresh MACs across runner restarts; stale entries would
// route traffic to dead guests.
func (m *Manager) FlushBridgeARPCache() error {
	link, err := netlink.LinkByName(m.bridge)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup bridge %s: %w", m.bridge, err)
	}

	neighbors, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list neighbors on %s: %w", m.bridge, err)
	}

	flushed := 0
	for i := range neighbors {
		if neighbors[i].State&netlink.NUD_PERMANENT != 0 {
			continue
		}
		if err := netlink.NeighDel(&neighbors[i]); err != nil && !errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("delete neighbor %s on %s: %w", neighbors[i].IP, m.bridge, err)
		}
		flushed++
	}
	if flushed > 0 {
		m.logger.Debug("flushed bridge ARP cache", "bridge", m.bridge, "entries", flushed)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && maskEqual(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func maskEqual(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
