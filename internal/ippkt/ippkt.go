// Package ippkt contains the decoding and encoding of the IP and UDP envelopes
// of the packets read from and written to a tunnel device.
package ippkt

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DNSPort is the well-known port of plain DNS.
const DNSPort uint16 = 53

// defaultHopLimit is the TTL or the hop limit of the encoded packets.
const defaultHopLimit = 64

const (
	// ErrNotIP is returned when data is not an IPv4 or IPv6 packet.
	ErrNotIP errors.Error = "not an ip packet"

	// ErrFamilyMismatch is returned when the source and the destination of a
	// packet belong to different address families.
	ErrFamilyMismatch errors.Error = "address family mismatch"
)

// Packet is a decoded IP packet.  Only UDP packets have ports and payloads.
type Packet struct {
	// Src is the source of the packet.  The port is zero for non-UDP packets.
	Src netip.AddrPort

	// Dst is the destination of the packet.  The port is zero for non-UDP
	// packets.
	Dst netip.AddrPort

	// Payload is the UDP payload.  It is nil for non-UDP packets.
	Payload []byte

	// Protocol is the transport protocol of the packet.
	Protocol layers.IPProtocol

	// udp is true if the UDP header has been decoded.
	udp bool
}

// Decode decodes an IPv4 or IPv6 packet.  The returned packet does not share
// memory with data.
func Decode(data []byte) (p *Packet, err error) {
	if len(data) == 0 {
		return nil, ErrNotIP
	}

	var first gopacket.LayerType
	switch version := data[0] >> 4; version {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("%w: version %d", ErrNotIP, version)
	}

	pkt := gopacket.NewPacket(data, first, gopacket.Default)

	p = &Packet{}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.Protocol = ip.Protocol
		p.Src = netip.AddrPortFrom(addrFromSlice(ip.SrcIP), 0)
		p.Dst = netip.AddrPortFrom(addrFromSlice(ip.DstIP), 0)
	case *layers.IPv6:
		p.Protocol = transportProtocol(pkt, ip.NextHeader)
		p.Src = netip.AddrPortFrom(addrFromSlice(ip.SrcIP), 0)
		p.Dst = netip.AddrPortFrom(addrFromSlice(ip.DstIP), 0)
	default:
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotIP, errLayer.Error())
		}

		return nil, ErrNotIP
	}

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return p, nil
	}

	p.udp = true
	p.Src = netip.AddrPortFrom(p.Src.Addr(), uint16(udp.SrcPort))
	p.Dst = netip.AddrPortFrom(p.Dst.Addr(), uint16(udp.DstPort))
	p.Payload = udp.Payload

	return p, nil
}

// transportProtocol returns the protocol following the IPv6 extension headers
// of pkt.  next is the next header of the fixed IPv6 header.
func transportProtocol(pkt gopacket.Packet, next layers.IPProtocol) (proto layers.IPProtocol) {
	proto = next
	for _, l := range pkt.Layers() {
		switch ext := l.(type) {
		case *layers.IPv6HopByHop:
			proto = ext.NextHeader
		case *layers.IPv6Routing:
			proto = ext.NextHeader
		case *layers.IPv6Fragment:
			proto = ext.NextHeader
		case *layers.IPv6Destination:
			proto = ext.NextHeader
		}
	}

	return proto
}

// addrFromSlice converts an IP address from gopacket.  IPv4 addresses are
// returned unmapped.
func addrFromSlice(ip []byte) (addr netip.Addr) {
	addr, _ = netip.AddrFromSlice(ip)

	return addr.Unmap()
}

// IsUDP returns true if p is a UDP packet.
func (p *Packet) IsUDP() (ok bool) {
	return p.udp
}

// IsDNS returns true if p is a UDP packet sent to the DNS port.
func (p *Packet) IsDNS() (ok bool) {
	return p.IsUDP() && p.Dst.Port() == DNSPort
}

// Reply returns a UDP packet carrying payload from the destination of p back
// to its source.
func (p *Packet) Reply(payload []byte) (data []byte, err error) {
	return NewUDP(p.Dst, p.Src, payload)
}

// NewUDP encodes a UDP packet with the given payload.  The lengths and the
// checksums are computed.  src and dst must be of the same address family.
func NewUDP(src, dst netip.AddrPort, payload []byte) (data []byte, err error) {
	srcAddr, dstAddr := src.Addr().Unmap(), dst.Addr().Unmap()
	if srcAddr.Is4() != dstAddr.Is4() {
		return nil, fmt.Errorf("encoding %s to %s: %w", src, dst, ErrFamilyMismatch)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}

	var ip gopacket.SerializableLayer
	if srcAddr.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      defaultHopLimit,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcAddr.AsSlice(),
			DstIP:    dstAddr.AsSlice(),
		}
		err = udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   defaultHopLimit,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcAddr.AsSlice(),
			DstIP:      dstAddr.AsSlice(),
		}
		err = udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	}

	if err != nil {
		return nil, fmt.Errorf("setting checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serializing udp packet: %w", err)
	}

	return buf.Bytes(), nil
}
