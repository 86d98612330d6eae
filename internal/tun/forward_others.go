//go:build !linux

package tun

import (
	"github.com/carrotproxy/daedalus/internal/aghos"
)

// Forwarder sends the packets read from a device to the network stack of the
// host.  It is only supported on Linux.
type Forwarder struct{}

// NewForwarder returns an error, since raw packet forwarding is only supported
// on Linux.
func NewForwarder(_ uint32) (f *Forwarder, err error) {
	return nil, aghos.Unsupported("forwarding packets")
}

// Forward implements packet forwarding for *Forwarder.  It always returns an
// error.
func (f *Forwarder) Forward(data []byte) (err error) {
	_, err = packetDst(data)
	if err != nil {
		return err
	}

	return aghos.Unsupported("forwarding packets")
}

// Close closes the forwarder.  It always returns nil.
func (f *Forwarder) Close() (err error) {
	return nil
}

// MarkSocket returns a function that always returns an error, since socket
// marks are only supported on Linux.
func MarkSocket(_ uint32) (protect func(fd int) (err error)) {
	return func(_ int) (err error) {
		return aghos.Unsupported("setting socket mark")
	}
}
