package tun

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrBadPacket is returned when a packet cannot be forwarded because its
// header is malformed.
const ErrBadPacket errors.Error = "bad packet"

// Minimal header lengths.
const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

// packetDst returns the destination address of the IPv4 or IPv6 packet data.
func packetDst(data []byte) (dst netip.Addr, err error) {
	if len(data) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: empty", ErrBadPacket)
	}

	switch version := data[0] >> 4; version {
	case 4:
		if len(data) < ipv4HeaderLen {
			return netip.Addr{}, fmt.Errorf("%w: short ipv4 header", ErrBadPacket)
		}

		return netip.AddrFrom4([4]byte(data[16:20])), nil
	case 6:
		if len(data) < ipv6HeaderLen {
			return netip.Addr{}, fmt.Errorf("%w: short ipv6 header", ErrBadPacket)
		}

		return netip.AddrFrom16([16]byte(data[24:40])), nil
	default:
		return netip.Addr{}, fmt.Errorf("%w: version %d", ErrBadPacket, version)
	}
}
