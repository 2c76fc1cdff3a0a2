package network

import (
	"github.com/vishvananda/netlink"
	"gitlab.com/tozd/go/errors"
)

// LinkManager performs the host link changes a network needs.
type LinkManager interface {
	AddTap(name string) error
	SetMaster(name, bridge string) error
	SetUp(name string) error
	Delete(name string) error
}

// Netlink manages links through rtnetlink. It needs CAP_NET_ADMIN.
type Netlink struct{}

var _ LinkManager = Netlink{}

// AddTap creates a persistent TAP device.
func (Netlink) AddTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return errors.Errorf("adding tap %s: %w", name, err)
	}
	return nil
}

// SetMaster enslaves name to the bridge.
func (Netlink) SetMaster(name, bridge string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Errorf("finding link %s: %w", name, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return errors.Errorf("finding bridge %s: %w", bridge, err)
	}
	if err := netlink.LinkSetMasterByIndex(link, br.Attrs().Index); err != nil {
		return errors.Errorf("attaching %s to %s: %w", name, bridge, err)
	}
	return nil
}

func (Netlink) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Errorf("finding link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Errorf("setting %s up: %w", name, err)
	}
	return nil
}

func (Netlink) Delete(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Errorf("finding link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return errors.Errorf("deleting %s: %w", name, err)
	}
	return nil
}
