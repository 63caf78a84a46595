// Package decoder implements the bounded, verifier-safe packet
// parser: Ethernet, then IPv4, then TCP or UDP, including a strictly
// bounded scan of the TCP options area for the timestamp option.
//
// Every read is checked against the end of the input window before it
// happens, and every loop has a static upper bound, so the same logic
// could be transcribed into an eBPF program and still satisfy the
// kernel verifier.
package decoder

import (
	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/tcpflags"
)

const (
	ethHeaderLen  = 14
	etherTypeIPv4 = 0x0800

	ipv4MinHeaderLen = 20

	tcpMinHeaderLen = 20
	udpHeaderLen    = 8

	// Static bounds for the TCP options scan: whichever is hit first
	// ends the walk.
	maxOptionIterations = 10
	maxOptionBytes      = 40

	tcpOptKindEnd       = 0
	tcpOptKindNop       = 1
	tcpOptKindTimestamp = 8
	tcpOptTimestampLen  = 10
)

// ParsedPacket is the canonical, normalized packet record produced by
// the decoder; the CT table and report gate fill in the remaining
// per-flow fields of an emitted record downstream.
type ParsedPacket struct {
	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16
	Proto            flowkey.Proto

	TCPFlags uint8
	TCPSeq   uint32
	TCPAck   uint32
	TCPTSVal uint32
	TCPTSEcr uint32

	// Bytes is the length of the full Ethernet frame as observed.
	Bytes uint32
}

// Key derives the FlowKey this packet belongs to.
func (p ParsedPacket) Key() flowkey.Key {
	return flowkey.New(p.SrcIP, p.DstIP, p.SrcPort, p.DstPort, p.Proto)
}

// Decode parses an Ethernet frame. ok is false for any window that is
// too short, non-IPv4, or carries an L4 protocol other than TCP/UDP —
// all of these are uninteresting, silently dropped with no error
// surfaced.
func Decode(data []byte) (pkt ParsedPacket, ok bool) {
	dataEnd := len(data)

	if dataEnd < ethHeaderLen {
		return ParsedPacket{}, false
	}
	etherType := beU16(data, 12)
	if etherType != etherTypeIPv4 {
		return ParsedPacket{}, false
	}

	ipStart := ethHeaderLen
	if dataEnd < ipStart+ipv4MinHeaderLen {
		return ParsedPacket{}, false
	}

	verIHL := data[ipStart]
	ihl := int(verIHL&0x0F) * 4
	if ihl < ipv4MinHeaderLen {
		return ParsedPacket{}, false
	}
	if dataEnd < ipStart+ihl {
		return ParsedPacket{}, false
	}

	proto := data[ipStart+9]
	srcIP := beU32(data, ipStart+12)
	dstIP := beU32(data, ipStart+16)

	l4Start := ipStart + ihl

	switch proto {
	case uint8(flowkey.ProtoTCP):
		return decodeTCP(data, l4Start, dataEnd, srcIP, dstIP)
	case uint8(flowkey.ProtoUDP):
		return decodeUDP(data, l4Start, dataEnd, srcIP, dstIP)
	default:
		return ParsedPacket{}, false
	}
}

func decodeTCP(data []byte, start, dataEnd int, srcIP, dstIP uint32) (ParsedPacket, bool) {
	if dataEnd < start+tcpMinHeaderLen {
		return ParsedPacket{}, false
	}

	srcPort := beU16(data, start)
	dstPort := beU16(data, start+2)
	seq := beU32(data, start+4)
	ack := beU32(data, start+8)

	doff := int(data[start+12]>>4) * 4
	if doff < tcpMinHeaderLen {
		return ParsedPacket{}, false
	}

	flagsLow := data[start+13]
	flags := normalizeTCPFlags(flagsLow)

	pkt := ParsedPacket{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Proto:    flowkey.ProtoTCP,
		TCPFlags: flags,
		TCPSeq:   seq,
		TCPAck:   ack,
		Bytes:    uint32(dataEnd),
	}

	optStart := start + tcpMinHeaderLen
	optEnd := start + doff
	if optEnd > dataEnd {
		// Header claims more options than we have bytes for; still a
		// usable packet, just skip the timestamp scan.
		return pkt, true
	}

	tsval, tsecr := scanTimestampOption(data, optStart, optEnd)
	pkt.TCPTSVal = tsval
	pkt.TCPTSEcr = tsecr
	return pkt, true
}

func decodeUDP(data []byte, start, dataEnd int, srcIP, dstIP uint32) (ParsedPacket, bool) {
	if dataEnd < start+udpHeaderLen {
		return ParsedPacket{}, false
	}
	srcPort := beU16(data, start)
	dstPort := beU16(data, start+2)

	return ParsedPacket{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Proto:    flowkey.ProtoUDP,
		TCPFlags: tcpflags.UDPSentinel,
		Bytes:    uint32(dataEnd),
	}, true
}

// normalizeTCPFlags maps the wire control-bits byte (CWR ECE URG ACK
// PSH RST SYN FIN, MSB first) onto the normalized layout (bit 0 FIN,
// 1 SYN, 2 RST, 3 PSH, 4 ACK, 5 URG, 6 ECE, 7 CWR). The wire layout
// happens to already match bit-for-bit, but we go through named bits
// rather than assume that so the mapping survives a reordering either
// side.
func normalizeTCPFlags(wire uint8) uint8 {
	var out uint8
	if wire&0x01 != 0 {
		out |= tcpflags.FIN
	}
	if wire&0x02 != 0 {
		out |= tcpflags.SYN
	}
	if wire&0x04 != 0 {
		out |= tcpflags.RST
	}
	if wire&0x08 != 0 {
		out |= tcpflags.PSH
	}
	if wire&0x10 != 0 {
		out |= tcpflags.ACK
	}
	if wire&0x20 != 0 {
		out |= tcpflags.URG
	}
	if wire&0x40 != 0 {
		out |= tcpflags.ECE
	}
	if wire&0x80 != 0 {
		out |= tcpflags.CWR
	}
	return out
}

// scanTimestampOption walks the TCP options area looking for kind=8
// (timestamp), len=10. The scan is bounded to maxOptionIterations
// iterations and maxOptionBytes bytes, whichever comes first; any
// inconsistency (truncated length byte, length running past optEnd,
// or an end-of-options kind before a timestamp is found) aborts the
// scan cleanly and returns zeros rather than failing the packet.
func scanTimestampOption(data []byte, start, optEnd int) (tsval, tsecr uint32) {
	pos := start
	scanned := 0

	for i := 0; i < maxOptionIterations && scanned < maxOptionBytes; i++ {
		if pos >= optEnd {
			return 0, 0
		}
		kind := data[pos]

		if kind == tcpOptKindEnd {
			return 0, 0
		}
		if kind == tcpOptKindNop {
			pos++
			scanned++
			continue
		}

		if pos+1 >= optEnd {
			return 0, 0
		}
		length := int(data[pos+1])
		if length < 2 || pos+length > optEnd {
			return 0, 0
		}

		if kind == tcpOptKindTimestamp && length == tcpOptTimestampLen {
			if pos+tcpOptTimestampLen > optEnd {
				return 0, 0
			}
			tsval = beU32(data, pos+2)
			tsecr = beU32(data, pos+6)
			return tsval, tsecr
		}

		pos += length
		scanned += length
	}

	return 0, 0
}

func beU16(data []byte, off int) uint16 {
	return uint16(data[off])<<8 | uint16(data[off+1])
}

func beU32(data []byte, off int) uint32 {
	return uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3])
}
