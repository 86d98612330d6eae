//go:build linux

package tun

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// cloneDevicePath is the path to the TUN clone device.
const cloneDevicePath = "/dev/net/tun"

// openPlatform creates a TUN interface, assigns the address, and brings the
// interface up.
func openPlatform(ctx context.Context, c *Config) (d Device, err error) {
	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cloneDevicePath, err)
	}

	defer func() {
		if err != nil {
			err = errors.WithDeferred(err, unix.Close(fd))
		}
	}()

	ifr, err := unix.NewIfreq(c.Name)
	if err != nil {
		return nil, fmt.Errorf("interface name %q: %w", c.Name, err)
	}

	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		return nil, fmt.Errorf("creating interface %q: %w", c.Name, err)
	}

	// The descriptor must be nonblocking before it is wrapped into a file, so
	// that reads are handled by the runtime poller and are interrupted by
	// Close.
	err = unix.SetNonblock(fd, true)
	if err != nil {
		return nil, fmt.Errorf("setting nonblocking mode: %w", err)
	}

	name := ifr.Name()
	err = configureLink(name, c)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	c.Logger.InfoContext(ctx, "tun device created", "name", name, "prefix", c.Prefix, "mtu", c.MTU)

	return &fileDevice{
		File: os.NewFile(uintptr(fd), name),
		name: name,
		mtu:  c.MTU,
	}, nil
}

// configureLink assigns the address and the MTU to the interface and brings it
// up.
func configureLink(name string, c *Config) (err error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("looking up link %q: %w", name, err)
	}

	addr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   c.Prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(c.Prefix.Bits(), c.Prefix.Addr().BitLen()),
		},
	}

	err = netlink.AddrAdd(link, addr)
	if err != nil {
		return fmt.Errorf("adding address %s to %q: %w", c.Prefix, name, err)
	}

	err = netlink.LinkSetMTU(link, c.MTU)
	if err != nil {
		return fmt.Errorf("setting mtu of %q: %w", name, err)
	}

	err = netlink.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("setting %q up: %w", name, err)
	}

	return nil
}
