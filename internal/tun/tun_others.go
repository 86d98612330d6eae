//go:build !linux

package tun

import (
	"context"

	"github.com/carrotproxy/daedalus/internal/aghos"
)

// openPlatform returns an error, since creating interfaces is only supported
// on Linux.  Other platforms must provide an opened descriptor.
func openPlatform(_ context.Context, _ *Config) (d Device, err error) {
	return nil, aghos.Unsupported("creating tun interface")
}
