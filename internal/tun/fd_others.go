//go:build !unix

package tun

import (
	"github.com/carrotproxy/daedalus/internal/aghos"
)

// openFD returns an error, since wrapping descriptors is only supported on
// Unix platforms.
func openFD(_ *Config) (d Device, err error) {
	return nil, aghos.Unsupported("using tun fd")
}
