package tappool

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
)

// NetlinkOps is the production NetOps implementation.
type NetlinkOps struct{}

func (NetlinkOps) CreateTap(name string) error {
	// A stale interface with this name can survive a crashed prior run;
	// recreate rather than fail on EEXIST.
	if link, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("delete stale interface %q: %w", name, err)
		}
	} else if !isLinkNotFound(err) {
		return fmt.Errorf("lookup %q: %w", name, err)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("add tap %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("bring %q up: %w", name, err)
	}
	return nil
}

func (NetlinkOps) AttachToBridge(tap, bridge string) error {
	tapLink, err := netlink.LinkByName(tap)
	if err != nil {
		return fmt.Errorf("lookup tap %q: %w", tap, err)
	}
	brLink, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("lookup bridge %q: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(tapLink, brLink); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("enslave %q to %q: %w", tap, bridge, err)
	}
	return nil
}

func (NetlinkOps) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup %q: %w", name, err)
	}
	// Detach before destroying so the bridge never forwards to a
	// half-torn-down port.
	if err := netlink.LinkSetNoMaster(link); err != nil && !errors.Is(err, syscall.EOPNOTSUPP) {
		return fmt.Errorf("detach %q from bridge: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
