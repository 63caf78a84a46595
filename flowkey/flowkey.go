// Package flowkey implements the canonical 5-tuple that identifies a
// flow and the reversal operator used to fold both directions of a
// conversation onto a single conntrack entry.
package flowkey

import (
	"fmt"
	"net"
)

// Proto is the L4 protocol carried by a FlowKey.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Key is the bitwise-comparable 5-tuple. It is deliberately a plain
// comparable struct (no slices) so it can be used directly as a map
// key, the same contract the connection-tracking table depends on.
type Key struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   Proto
}

// New builds a Key from host-order fields.
func New(srcIP, dstIP uint32, srcPort, dstPort uint16, proto Proto) Key {
	return Key{SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort, Proto: proto}
}

// Reverse swaps source and destination IP and port, preserving the
// protocol. Reverse(Reverse(K)) == K for all K.
func (k Key) Reverse() Key {
	return Key{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}
}

// IPv4FromUint32 renders a uint32 (host order) as a net.IP for
// logging and filter lookups.
func IPv4FromUint32(ip uint32) net.IP {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// Uint32FromIPv4 converts a 4-byte net.IP into host-order uint32. It
// panics if ip is not a 4-byte (or 4-in-16) address; callers must have
// already rejected non-IPv4 traffic in the decoder.
func Uint32FromIPv4(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		panic("flowkey: not an IPv4 address")
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%s",
		IPv4FromUint32(k.SrcIP), k.SrcPort,
		IPv4FromUint32(k.DstIP), k.DstPort,
		k.Proto)
}
