// Package netdev manages the virtual network devices a zone's net
// namespace is equipped with: veth pairs, macvlan shims, and moving a
// physical device wholesale into a zone. Grounded in the original's
// network configuration (container-config.hpp's NetworkInterfaceConfig)
// but implemented against github.com/vishvananda/netlink instead of
// hand-rolled rtnetlink, since that library is exactly what the example
// pack's own networking-oriented repos reach for.
package netdev

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Kind is the device type a zone's interface declaration requests.
type Kind int

const (
	KindVeth Kind = iota
	KindMacvlan
	KindPhys
)

// Config describes one network device to create (or move) for a zone.
type Config struct {
	Kind Kind

	// HostName is the name given to the host-side endpoint, or for Phys
	// the existing host device to move.
	HostName string
	// ZoneName is the name the device should have once inside the zone.
	ZoneName string

	// MacvlanParent names the parent link for a macvlan device. Unused for
	// other kinds.
	MacvlanParent string

	IPThirdOctet int
}

// Create brings up a host-side device per cfg and returns the link that
// must be moved into the zone's net namespace (the zone-side end for veth,
// the macvlan shim itself, or the physical device itself).
func Create(cfg Config) (netlink.Link, error) {
	switch cfg.Kind {
	case KindVeth:
		return createVeth(cfg)
	case KindMacvlan:
		return createMacvlan(cfg)
	case KindPhys:
		return findPhys(cfg)
	default:
		return nil, fmt.Errorf("netdev: unknown kind %d", cfg.Kind)
	}
}

func createVeth(cfg Config) (netlink.Link, error) {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: cfg.HostName},
		PeerName:  cfg.ZoneName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("netdev: add veth %s/%s: %w", cfg.HostName, cfg.ZoneName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return nil, fmt.Errorf("netdev: up %s: %w", cfg.HostName, err)
	}
	peer, err := netlink.LinkByName(cfg.ZoneName)
	if err != nil {
		return nil, fmt.Errorf("netdev: find veth peer %s: %w", cfg.ZoneName, err)
	}
	return peer, nil
}

func createMacvlan(cfg Config) (netlink.Link, error) {
	parent, err := netlink.LinkByName(cfg.MacvlanParent)
	if err != nil {
		return nil, fmt.Errorf("netdev: find macvlan parent %s: %w", cfg.MacvlanParent, err)
	}
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        cfg.ZoneName,
			ParentIndex: parent.Attrs().Index,
		},
		Mode: netlink.MACVLAN_MODE_BRIDGE,
	}
	if err := netlink.LinkAdd(mv); err != nil {
		return nil, fmt.Errorf("netdev: add macvlan %s: %w", cfg.ZoneName, err)
	}
	return mv, nil
}

func findPhys(cfg Config) (netlink.Link, error) {
	link, err := netlink.LinkByName(cfg.HostName)
	if err != nil {
		return nil, fmt.Errorf("netdev: find physical device %s: %w", cfg.HostName, err)
	}
	return link, nil
}

// MoveToNetns moves link into the network namespace owned by pid. newName
// is not applied: the link keeps its current name in that namespace.
func MoveToNetns(link netlink.Link, pid int, newName string) error {
	if err := netlink.LinkSetNsPid(link, pid); err != nil {
		return fmt.Errorf("netdev: move %s into pid %d netns: %w", link.Attrs().Name, pid, err)
	}
	_ = newName // unused: no rename happens after the move
	return nil
}

// AssignAddress assigns a /24 address to link using the zone's reserved
// third octet, the IPv4 scheme the manager hands out monotonically at zone
// create time.
func AssignAddress(link netlink.Link, thirdOctet int, hostPart int) error {
	addr, err := netlink.ParseAddr(fmt.Sprintf("10.0.%d.%d/24", thirdOctet, hostPart))
	if err != nil {
		return fmt.Errorf("netdev: parse address: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netdev: add address to %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// Remove deletes a previously created veth or macvlan device. Physical
// devices are left alone; they are returned to the host's default
// namespace separately when the zone stops.
func Remove(cfg Config) error {
	if cfg.Kind == KindPhys {
		return nil
	}
	link, err := netlink.LinkByName(cfg.HostName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netdev: delete %s: %w", cfg.HostName, err)
	}
	return nil
}
