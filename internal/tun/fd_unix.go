//go:build unix

package tun

import (
	"fmt"
	"os"
	"strconv"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// openFD wraps a duplicate of the already opened device descriptor from c.
// Closing the device closes only the duplicate, so that c.FD stays valid for
// the next session.
func openFD(c *Config) (d Device, err error) {
	fd, err := unix.Dup(c.FD)
	if err != nil {
		return nil, fmt.Errorf("duplicating fd %d: %w", c.FD, err)
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		err = fmt.Errorf("setting nonblocking mode of fd %d: %w", c.FD, err)

		return nil, errors.WithDeferred(err, unix.Close(fd))
	}

	name := "fd" + strconv.Itoa(c.FD)

	return &fileDevice{
		File: os.NewFile(uintptr(fd), name),
		name: name,
		mtu:  c.MTU,
	}, nil
}
