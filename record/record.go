// Package record defines the PacketRecord emitted unit and its
// little-endian wire encoding.
package record

import (
	"encoding/binary"

	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/tcpflags"
)

// PacketRecord is the unit pushed onto the event channel on EMIT or
// TEARDOWN_EMIT_AND_DELETE.
type PacketRecord struct {
	TimestampNs uint64

	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16
	Proto            flowkey.Proto

	TCPFlags uint8
	TCPSeq   uint32
	TCPAck   uint32
	TCPTSVal uint32
	TCPTSEcr uint32

	ObservationPoint obspoint.Point
	TrafficDirection obspoint.Direction
	IsReply          bool

	Bytes uint32

	PreviouslyObservedPackets uint32
	PreviouslyObservedBytes   uint32
	PreviouslyObservedFlags   tcpflags.Histogram

	LifetimeTxPackets, LifetimeRxPackets uint32
	LifetimeTxBytes, LifetimeRxBytes     uint64
}

// EncodedLen is the fixed on-wire size of an encoded PacketRecord:
// user-space validates incoming records by comparing against this.
const EncodedLen = 8 + // timestamp_ns
	4 + 4 + 2 + 2 + 1 + // src_ip, dst_ip, src_port, dst_port, proto
	1 + 4 + 4 + 4 + 4 + // tcp_flags, tcp_seq, tcp_ack, tcp_tsval, tcp_tsecr
	1 + 1 + 1 + // observation_point, traffic_direction, is_reply
	4 + // bytes
	4 + 4 + 9*4 + // previously_observed_{packets,bytes,flags}
	4 + 4 + 8 + 8 // lifetime_counters

// Encode writes r's little-endian wire encoding into buf, which must
// be at least EncodedLen bytes, and returns the number of bytes
// written.
func Encode(buf []byte, r PacketRecord) int {
	_ = buf[EncodedLen-1] // bounds check hint, panics loudly on a too-small buffer
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], r.TimestampNs)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], r.SrcIP)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.DstIP)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], r.SrcPort)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], r.DstPort)
	off += 2
	buf[off] = uint8(r.Proto)
	off++

	buf[off] = r.TCPFlags
	off++
	binary.LittleEndian.PutUint32(buf[off:], r.TCPSeq)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.TCPAck)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.TCPTSVal)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.TCPTSEcr)
	off += 4

	buf[off] = uint8(r.ObservationPoint)
	off++
	buf[off] = uint8(r.TrafficDirection)
	off++
	if r.IsReply {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++

	binary.LittleEndian.PutUint32(buf[off:], r.Bytes)
	off += 4

	binary.LittleEndian.PutUint32(buf[off:], r.PreviouslyObservedPackets)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.PreviouslyObservedBytes)
	off += 4
	off += encodeHistogram(buf[off:], r.PreviouslyObservedFlags)

	binary.LittleEndian.PutUint32(buf[off:], r.LifetimeTxPackets)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.LifetimeRxPackets)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.LifetimeTxBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.LifetimeRxBytes)
	off += 8

	return off
}

func encodeHistogram(buf []byte, h tcpflags.Histogram) int {
	fields := [9]uint32{h.SYN, h.ACK, h.FIN, h.RST, h.PSH, h.URG, h.ECE, h.CWR, h.NS}
	off := 0
	for _, v := range fields {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return off
}
