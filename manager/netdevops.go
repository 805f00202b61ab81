package manager

import (
	"fmt"
	"strconv"

	"github.com/vishvananda/netlink"

	"github.com/banksean/zoned/netdev"
	"github.com/banksean/zoned/zerr"
)

var netdevKindByName = map[string]netdev.Kind{
	"veth":    netdev.KindVeth,
	"macvlan": netdev.KindMacvlan,
	"phys":    netdev.KindPhys,
}

// NetdevCreate creates a host-side device per kind and moves its zone-side
// end into zoneID's net namespace. It assigns no address to the device.
func (m *Manager) NetdevCreate(zoneID, kind, hostName, zoneName, macvlanParent string) error {
	m.mu.Lock()
	z, err := m.zoneLocked(zoneID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !z.IsRunning() {
		return zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING", zoneID, z.State)
	}
	nk, ok := netdevKindByName[kind]
	if !ok {
		return zerr.New(zerr.Internal, "netdev: unknown kind %q", kind)
	}

	cfg := netdev.Config{
		Kind: nk, HostName: hostName, ZoneName: zoneName,
		MacvlanParent: macvlanParent, IPThirdOctet: z.IPThirdOctet,
	}
	link, err := netdev.Create(cfg)
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	if err := netdev.MoveToNetns(link, z.InitPid, zoneName); err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	return nil
}

// NetdevDestroy removes a previously created device.
func (m *Manager) NetdevDestroy(zoneID, hostName string) error {
	m.mu.Lock()
	_, err := m.zoneLocked(zoneID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := netdev.Remove(netdev.Config{HostName: hostName}); err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	return nil
}

// NetdevList returns the names of every host-visible link, the data behind
// the zonectl "list network devices" smoke test.
func (m *Manager) NetdevList() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names, nil
}

// NetdevGetAttr reads one link attribute. Only "mtu" and "operstate" are
// supported; anything else is Forbidden.
func (m *Manager) NetdevGetAttr(device, attr string) (string, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return "", zerr.Wrap(zerr.Internal, err)
	}
	switch attr {
	case "mtu":
		return strconv.Itoa(link.Attrs().MTU), nil
	case "operstate":
		return link.Attrs().OperState.String(), nil
	default:
		return "", zerr.New(zerr.Forbidden, "netdev: attribute %q is not readable", attr)
	}
}

// NetdevSetAttr writes one link attribute. Only "mtu" is supported.
func (m *Manager) NetdevSetAttr(device, attr, value string) error {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	switch attr {
	case "mtu":
		mtu, err := strconv.Atoi(value)
		if err != nil {
			return zerr.New(zerr.Internal, "netdev: invalid mtu %q: %v", value, err)
		}
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return zerr.Wrap(zerr.Internal, err)
		}
		return nil
	default:
		return zerr.New(zerr.Forbidden, "netdev: attribute %q is not writable", attr)
	}
}

// NetdevDelIP removes one address from device.
func (m *Manager) NetdevDelIP(device, address string) error {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	addr, err := netlink.ParseAddr(address)
	if err != nil {
		return zerr.New(zerr.Internal, "netdev: parse address %q: %v", address, err)
	}
	if err := netlink.AddrDel(link, addr); err != nil {
		return zerr.Wrap(zerr.Internal, fmt.Errorf("delete address %s from %s: %w", address, device, err))
	}
	return nil
}
