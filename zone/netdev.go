package zone

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
)

// Network devices are created on the host side and pushed into the
// zone's network namespace via the runtime's init pid; queries and
// address operations run inside the namespace through a scoped netlink
// handle.

// CreateNetdevVeth creates a veth pair with the host end named hostDev
// and the zone end named zoneDev moved into the zone.
func (z *Zone) CreateNetdevVeth(zoneDev, hostDev string) error {
	pid, err := z.netdevPid()
	if err != nil {
		return err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = hostDev
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: zoneDev}

	if err := netlink.LinkAdd(veth); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "create-veth", err)
	}

	peer, err := netlink.LinkByName(zoneDev)
	if err != nil {
		netlink.LinkDel(veth)
		return zonekeeper.NewZoneOperationError(z.ID(), "create-veth", err)
	}

	if err := netlink.LinkSetNsPid(peer, pid); err != nil {
		netlink.LinkDel(veth)
		return zonekeeper.NewZoneOperationError(z.ID(), "create-veth", err)
	}

	z.logger.Info("netdev-veth-created", lager.Data{"zoneDev": zoneDev, "hostDev": hostDev})
	return nil
}

// CreateNetdevMacvlan creates a macvlan on top of hostDev and moves it
// into the zone as zoneDev.
func (z *Zone) CreateNetdevMacvlan(zoneDev, hostDev string, mode zonekeeper.MacvlanMode) error {
	pid, err := z.netdevPid()
	if err != nil {
		return err
	}

	parent, err := netlink.LinkByName(hostDev)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "create-macvlan", err)
	}

	netlinkMode, err := macvlanMode(mode)
	if err != nil {
		return err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = zoneDev
	attrs.ParentIndex = parent.Attrs().Index
	macvlan := &netlink.Macvlan{LinkAttrs: attrs, Mode: netlinkMode}

	if err := netlink.LinkAdd(macvlan); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "create-macvlan", err)
	}

	if err := netlink.LinkSetNsPid(macvlan, pid); err != nil {
		netlink.LinkDel(macvlan)
		return zonekeeper.NewZoneOperationError(z.ID(), "create-macvlan", err)
	}

	z.logger.Info("netdev-macvlan-created", lager.Data{"zoneDev": zoneDev, "hostDev": hostDev, "mode": mode})
	return nil
}

// CreateNetdevPhys moves a physical host device into the zone.
func (z *Zone) CreateNetdevPhys(dev string) error {
	pid, err := z.netdevPid()
	if err != nil {
		return err
	}

	link, err := netlink.LinkByName(dev)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "create-phys", err)
	}

	if err := netlink.LinkSetNsPid(link, pid); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "create-phys", err)
	}

	z.logger.Info("netdev-phys-moved", lager.Data{"dev": dev})
	return nil
}

// DestroyNetdev deletes a device inside the zone.
func (z *Zone) DestroyNetdev(dev string) error {
	return z.withNetdev("destroy-netdev", dev, func(handle *netlink.Handle, link netlink.Link) error {
		return handle.LinkDel(link)
	})
}

// NetdevList returns the names of the zone's network devices.
func (z *Zone) NetdevList() ([]string, error) {
	handle, err := z.netnsHandle()
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	links, err := handle.LinkList()
	if err != nil {
		return nil, zonekeeper.NewZoneOperationError(z.ID(), "netdev-list", err)
	}

	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

// NetdevUp brings a zone device up.
func (z *Zone) NetdevUp(dev string) error {
	return z.withNetdev("netdev-up", dev, func(handle *netlink.Handle, link netlink.Link) error {
		return handle.LinkSetUp(link)
	})
}

// NetdevDown takes a zone device down.
func (z *Zone) NetdevDown(dev string) error {
	return z.withNetdev("netdev-down", dev, func(handle *netlink.Handle, link netlink.Link) error {
		return handle.LinkSetDown(link)
	})
}

// NetdevSetIPAddr adds an address in CIDR form to a zone device.
func (z *Zone) NetdevSetIPAddr(dev, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "netdev-set-ip", err)
	}
	return z.withNetdev("netdev-set-ip", dev, func(handle *netlink.Handle, link netlink.Link) error {
		return handle.AddrAdd(link, addr)
	})
}

// NetdevDelIPAddr removes an address in CIDR form from a zone device.
func (z *Zone) NetdevDelIPAddr(dev, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "netdev-del-ip", err)
	}
	return z.withNetdev("netdev-del-ip", dev, func(handle *netlink.Handle, link netlink.Link) error {
		return handle.AddrDel(link, addr)
	})
}

func (z *Zone) withNetdev(op, dev string, action func(*netlink.Handle, netlink.Link) error) error {
	handle, err := z.netnsHandle()
	if err != nil {
		return err
	}
	defer handle.Close()

	link, err := handle.LinkByName(dev)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), op, err)
	}

	if err := action(handle, link); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), op, err)
	}
	return nil
}

func (z *Zone) netdevPid() (int, error) {
	if !z.IsRunning() {
		return 0, zonekeeper.ZoneStoppedError{ID: z.ID()}
	}

	pid, err := z.runtime.InitPid()
	if err != nil {
		return 0, zonekeeper.NewZoneOperationError(z.ID(), "init-pid", err)
	}
	return pid, nil
}

func (z *Zone) netnsHandle() (*netlink.Handle, error) {
	pid, err := z.netdevPid()
	if err != nil {
		return nil, err
	}

	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, zonekeeper.NewZoneOperationError(z.ID(), "netns", err)
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, zonekeeper.NewZoneOperationError(z.ID(), "netns", err)
	}
	return handle, nil
}

func macvlanMode(mode zonekeeper.MacvlanMode) (netlink.MacvlanMode, error) {
	switch mode {
	case zonekeeper.MacvlanPrivate:
		return netlink.MACVLAN_MODE_PRIVATE, nil
	case zonekeeper.MacvlanVepa:
		return netlink.MACVLAN_MODE_VEPA, nil
	case zonekeeper.MacvlanBridge, "":
		return netlink.MACVLAN_MODE_BRIDGE, nil
	case zonekeeper.MacvlanPassthru:
		return netlink.MACVLAN_MODE_PASSTHRU, nil
	}
	return 0, fmt.Errorf("unknown macvlan mode: %q", mode)
}
