// Package tcpflags defines the normalized TCP control-bit encoding
// shared by the decoder, the connection-tracking state machine and
// the report gate, plus the per-bit saturating histogram attached to
// emitted records.
package tcpflags

import "sync/atomic"

// Bit positions within the normalized single-byte flags field.
const (
	FIN uint8 = 1 << 0
	SYN uint8 = 1 << 1
	RST uint8 = 1 << 2
	PSH uint8 = 1 << 3
	ACK uint8 = 1 << 4
	URG uint8 = 1 << 5
	ECE uint8 = 1 << 6
	CWR uint8 = 1 << 7

	// UDPSentinel is written into a ParsedPacket's TCPFlags field for UDP
	// traffic so downstream code can distinguish "observed UDP, no TCP
	// flags" from the zero value.
	UDPSentinel uint8 = FIN
)

// Has reports whether bit is set in flags.
func Has(flags, bit uint8) bool {
	return flags&bit != 0
}

// Histogram is the 9-counter {SYN, ACK, FIN, RST, PSH, URG, ECE, CWR,
// NS} saturating per-bit counter attached to suppressed carry-over and
// to emitted records. NS is tracked for parity with the wire format
// but is always zero: the decoder's normalized flags byte only
// carries the 8 control bits, not the ECN nonce-sum bit,
// which lives in the TCP header's reserved nibble rather than the
// control-bits octet.
type Histogram struct {
	SYN, ACK, FIN, RST, PSH, URG, ECE, CWR, NS uint32
}

// Observe records one packet's flags byte into the histogram,
// saturating each touched counter at MaxUint32.
func (h *Histogram) Observe(flags uint8) {
	h.bump(&h.SYN, flags, SYN)
	h.bump(&h.ACK, flags, ACK)
	h.bump(&h.FIN, flags, FIN)
	h.bump(&h.RST, flags, RST)
	h.bump(&h.PSH, flags, PSH)
	h.bump(&h.URG, flags, URG)
	h.bump(&h.ECE, flags, ECE)
	h.bump(&h.CWR, flags, CWR)
}

func (h *Histogram) bump(counter *uint32, flags, bit uint8) {
	if flags&bit == 0 {
		return
	}
	if *counter != ^uint32(0) {
		*counter++
	}
}

// Reset zeroes every counter, used when a report gate EMIT clears the
// carry-over histogram for a direction.
func (h *Histogram) Reset() {
	*h = Histogram{}
}

// AtomicHistogram is the concurrency-safe counterpart of Histogram,
// used inside a live conntrack entry where multiple CPUs may touch the
// same direction's histogram at once.
type AtomicHistogram struct {
	syn, ack, fin, rst, psh, urg, ece, cwr atomic.Uint32
}

// Observe saturating-increments every counter whose bit is set in flags.
func (h *AtomicHistogram) Observe(flags uint8) {
	satInc(&h.syn, flags, SYN)
	satInc(&h.ack, flags, ACK)
	satInc(&h.fin, flags, FIN)
	satInc(&h.rst, flags, RST)
	satInc(&h.psh, flags, PSH)
	satInc(&h.urg, flags, URG)
	satInc(&h.ece, flags, ECE)
	satInc(&h.cwr, flags, CWR)
}

func satInc(counter *atomic.Uint32, flags, bit uint8) {
	if flags&bit == 0 {
		return
	}
	for {
		old := counter.Load()
		if old == ^uint32(0) {
			return
		}
		if counter.CompareAndSwap(old, old+1) {
			return
		}
	}
}

// Snapshot reads every counter into a plain Histogram, for attaching
// to an emitted record.
func (h *AtomicHistogram) Snapshot() Histogram {
	return Histogram{
		SYN: h.syn.Load(),
		ACK: h.ack.Load(),
		FIN: h.fin.Load(),
		RST: h.rst.Load(),
		PSH: h.psh.Load(),
		URG: h.urg.Load(),
		ECE: h.ece.Load(),
		CWR: h.cwr.Load(),
	}
}

// Reset zeroes every counter.
func (h *AtomicHistogram) Reset() {
	h.syn.Store(0)
	h.ack.Store(0)
	h.fin.Store(0)
	h.rst.Store(0)
	h.psh.Store(0)
	h.urg.Store(0)
	h.ece.Store(0)
	h.cwr.Store(0)
}

// RestoreFrom overwrites every counter from a plain Histogram snapshot,
// used when reloading a conntrack table pinned across a restart.
func (h *AtomicHistogram) RestoreFrom(snap Histogram) {
	h.syn.Store(snap.SYN)
	h.ack.Store(snap.ACK)
	h.fin.Store(snap.FIN)
	h.rst.Store(snap.RST)
	h.psh.Store(snap.PSH)
	h.urg.Store(snap.URG)
	h.ece.Store(snap.ECE)
	h.cwr.Store(snap.CWR)
}
