//go:build linux

package tun

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// Forwarder sends the packets read from a device to the network stack of the
// host through raw sockets.  The packets must carry their own IP headers.
type Forwarder struct {
	fd4 int
	fd6 int
}

// NewForwarder opens the raw sockets of the forwarder.  If mark is not zero,
// the sent packets carry it as the firewall mark, so that the routing rules
// can keep them out of the tunnel.
func NewForwarder(mark uint32) (f *Forwarder, err error) {
	f = &Forwarder{fd4: -1, fd6: -1}

	f.fd4, err = openRaw(unix.AF_INET, mark)
	if err != nil {
		return nil, fmt.Errorf("opening ipv4 raw socket: %w", err)
	}

	f.fd6, err = openRaw(unix.AF_INET6, mark)
	if err != nil {
		return nil, errors.WithDeferred(
			fmt.Errorf("opening ipv6 raw socket: %w", err),
			unix.Close(f.fd4),
		)
	}

	return f, nil
}

// openRaw opens a raw socket of the family, which sends the packets with the
// included headers.
func openRaw(family int, mark uint32) (fd int, err error) {
	fd, err = unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, err
	}

	if mark == 0 {
		return fd, nil
	}

	err = setMark(fd, mark)
	if err != nil {
		return -1, errors.WithDeferred(err, unix.Close(fd))
	}

	return fd, nil
}

// Forward sends the IP packet data to its destination.
func (f *Forwarder) Forward(data []byte) (err error) {
	dst, err := packetDst(data)
	if err != nil {
		return err
	}

	if dst.Is4() {
		err = unix.Sendto(f.fd4, data, 0, &unix.SockaddrInet4{Addr: dst.As4()})
	} else {
		err = unix.Sendto(f.fd6, data, 0, &unix.SockaddrInet6{Addr: dst.As16()})
	}

	return errors.Annotate(err, "sending packet to %s: %w", dst)
}

// Close closes the raw sockets.
func (f *Forwarder) Close() (err error) {
	return errors.Annotate(
		errors.Join(unix.Close(f.fd4), unix.Close(f.fd6)),
		"closing raw sockets: %w",
	)
}

// MarkSocket returns a function setting the firewall mark of a socket to mark.
// It is used to keep the upstream traffic out of the tunnel.
func MarkSocket(mark uint32) (protect func(fd int) (err error)) {
	return func(fd int) (err error) {
		return setMark(fd, mark)
	}
}

// setMark sets the firewall mark of the socket.
func setMark(fd int, mark uint32) (err error) {
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark))

	return errors.Annotate(err, "setting mark %#x: %w", mark)
}
