// Package pkttest builds serialized Ethernet/IPv4/{TCP,UDP} frames
// for tests: compose gopacket layers and serialize them, rather than
// hand-assembling byte slices.
package pkttest

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0xFF, 0xAA, 0xFA, 0xAA, 0xFF, 0xAA}
	dstMAC = net.HardwareAddr{0xBD, 0xBD, 0xBD, 0xBD, 0xBD, 0xBD}
)

// TCPOpts customizes the TCP header of a generated packet.
type TCPOpts struct {
	Seq, Ack                uint32
	SYN, ACK, FIN, RST, PSH bool
	URG, ECE, CWR           bool
	Timestamp               *TSOpt
	Payload                 []byte
}

// TSOpt represents a TCP timestamp option (kind 8).
type TSOpt struct {
	TSVal, TSEcr uint32
}

func ethAndIP(src, dst net.IP, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		EthernetType: layers.EthernetTypeIPv4,
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src,
		DstIP:    dst,
	}
	return eth, ip
}

// TCP serializes an Ethernet/IPv4/TCP frame with the given flags and
// options, ready to hand to decoder.Decode.
func TCP(src, dst net.IP, srcPort, dstPort int, o TCPOpts) []byte {
	eth, ip := ethAndIP(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     o.Seq,
		Ack:     o.Ack,
		SYN:     o.SYN,
		ACK:     o.ACK,
		FIN:     o.FIN,
		RST:     o.RST,
		PSH:     o.PSH,
		URG:     o.URG,
		ECE:     o.ECE,
		CWR:     o.CWR,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	if o.Timestamp != nil {
		tsBytes := make([]byte, 8)
		putU32(tsBytes[0:4], o.Timestamp.TSVal)
		putU32(tsBytes[4:8], o.Timestamp.TSEcr)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindTimestamps,
			OptionLength: 10,
			OptionData:   tsBytes,
		})
		// NOP-pad, the way real stacks align the timestamp option.
		tcp.Options = append(tcp.Options,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
		)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(o.Payload))
	return buf.Bytes()
}

// UDP serializes an Ethernet/IPv4/UDP frame.
func UDP(src, dst net.IP, srcPort, dstPort int, payload []byte) []byte {
	eth, ip := ethAndIP(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	return buf.Bytes()
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
