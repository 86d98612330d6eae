package tun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketDst(t *testing.T) {
	t.Parallel()

	v4 := make([]byte, ipv4HeaderLen)
	v4[0] = 0x45
	copy(v4[16:], []byte{192, 0, 2, 1})

	v6Dst := netip.MustParseAddr("2001:db8::1")
	v6 := make([]byte, ipv6HeaderLen)
	v6[0] = 0x60
	v6Bytes := v6Dst.As16()
	copy(v6[24:], v6Bytes[:])

	testCases := []struct {
		want    netip.Addr
		name    string
		data    []byte
		wantErr bool
	}{{
		want:    netip.MustParseAddr("192.0.2.1"),
		name:    "ipv4",
		data:    v4,
		wantErr: false,
	}, {
		want:    v6Dst,
		name:    "ipv6",
		data:    v6,
		wantErr: false,
	}, {
		want:    netip.Addr{},
		name:    "empty",
		data:    nil,
		wantErr: true,
	}, {
		want:    netip.Addr{},
		name:    "short_ipv4",
		data:    v4[:10],
		wantErr: true,
	}, {
		want:    netip.Addr{},
		name:    "short_ipv6",
		data:    v6[:30],
		wantErr: true,
	}, {
		want:    netip.Addr{},
		name:    "bad_version",
		data:    []byte{0x20, 0, 0, 0},
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := packetDst(tc.data)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadPacket)

				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
