// Package tun contains the opening and the configuration of the virtual
// network interface the intercepted traffic is read from.
package tun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// DefaultMTU is the default MTU of the device.
const DefaultMTU = 1500

// Device is a virtual network interface that reads and writes whole IP
// packets.
type Device interface {
	io.ReadWriteCloser

	// Name returns the name of the interface.
	Name() (name string)

	// MTU returns the MTU of the interface.
	MTU() (mtu int)
}

// Config is the configuration of a device.
type Config struct {
	// Logger is used to log the setup of the device.  It must not be nil.
	Logger *slog.Logger

	// Name is the name of the interface to create.  It is ignored when FD is
	// set.
	Name string

	// Prefix is the address and the network of the interface.  It is ignored
	// when FD is set.
	Prefix netip.Prefix

	// MTU is the MTU of the interface.
	MTU int

	// FD, if not negative, is an already opened and configured device, as
	// provided by the mobile platforms.
	FD int
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.Positive("MTU", c.MTU),
	}

	if c.FD < 0 {
		errs = append(errs, validate.NotEmpty("Name", c.Name))
		if !c.Prefix.IsValid() {
			errs = append(errs, fmt.Errorf("Prefix: %w", errors.ErrNoValue))
		}
	}

	return errors.Join(errs...)
}

// Open opens the device described by c.
func Open(ctx context.Context, c *Config) (d Device, err error) {
	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("tun config: %w", err)
	}

	if c.FD >= 0 {
		return openFD(c)
	}

	return openPlatform(ctx, c)
}

// fileDevice is a [Device] backed by a file descriptor.
type fileDevice struct {
	*os.File

	name string
	mtu  int
}

// type check
var _ Device = (*fileDevice)(nil)

// Name implements the [Device] interface for *fileDevice.
func (d *fileDevice) Name() (name string) {
	return d.name
}

// MTU implements the [Device] interface for *fileDevice.
func (d *fileDevice) MTU() (mtu int) {
	return d.mtu
}
