// Package conntrack implements the connection-tracking table and its
// per-packet state machine: a bounded, approximate-LRU map from
// flowkey.Key to *Entry, consulted and mutated on every packet.
package conntrack

import (
	"sync/atomic"

	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/tcpflags"
)

// Dir selects which direction's accounting fields a packet updates:
// Forward is the TX direction of the entry's key, Reply the RX
// direction.
type Dir uint8

const (
	Forward Dir = iota // TX
	Reply              // RX
)

// Entry is the CT value. Fields that are mutated after creation are
// atomics so concurrent CPUs processing packets on the same flow
// never need a whole-entry lock; a packet's update is a sequence of
// independent atomic steps, not a linearised transaction.
type Entry struct {
	// Immutable after creation.
	TrafficDirection   obspoint.Direction
	IsDirectionUnknown bool

	EvictionTime atomic.Uint32

	LastReportTx atomic.Uint32
	LastReportRx atomic.Uint32

	// FlagsSeenTx/Rx hold the cumulative OR of observed control bits,
	// stored in the low byte of a uint32 because sync/atomic has no
	// native 8-bit atomic type.
	FlagsSeenTx atomic.Uint32
	FlagsSeenRx atomic.Uint32

	BytesSinceReportTx   atomic.Uint32
	BytesSinceReportRx   atomic.Uint32
	PacketsSinceReportTx atomic.Uint32
	PacketsSinceReportRx atomic.Uint32

	HistTx tcpflags.AtomicHistogram
	HistRx tcpflags.AtomicHistogram

	TotalPacketsTx atomic.Uint32
	TotalPacketsRx atomic.Uint32
	TotalBytesTx   atomic.Uint64
	TotalBytesRx   atomic.Uint64
}

// FlagsSeen returns the cumulative flags-seen byte for dir.
func (e *Entry) FlagsSeen(dir Dir) uint8 {
	if dir == Forward {
		return uint8(e.FlagsSeenTx.Load())
	}
	return uint8(e.FlagsSeenRx.Load())
}

// OrFlagsSeen ORs newFlags into the direction's cumulative flags-seen
// byte and returns the resulting value. The byte is monotonically
// non-decreasing under bitwise-or until teardown.
func (e *Entry) OrFlagsSeen(dir Dir, newFlags uint8) uint8 {
	counter := e.flagsSeenCounter(dir)
	for {
		old := counter.Load()
		merged := old | uint32(newFlags)
		if merged == old {
			return uint8(old)
		}
		if counter.CompareAndSwap(old, merged) {
			return uint8(merged)
		}
	}
}

func (e *Entry) flagsSeenCounter(dir Dir) *atomic.Uint32 {
	if dir == Forward {
		return &e.FlagsSeenTx
	}
	return &e.FlagsSeenRx
}

func (e *Entry) lastReportCounter(dir Dir) *atomic.Uint32 {
	if dir == Forward {
		return &e.LastReportTx
	}
	return &e.LastReportRx
}

// LastReport returns the last-report timestamp for dir.
func (e *Entry) LastReport(dir Dir) uint32 {
	return e.lastReportCounter(dir).Load()
}

func (e *Entry) bytesSinceReportCounter(dir Dir) *atomic.Uint32 {
	if dir == Forward {
		return &e.BytesSinceReportTx
	}
	return &e.BytesSinceReportRx
}

func (e *Entry) packetsSinceReportCounter(dir Dir) *atomic.Uint32 {
	if dir == Forward {
		return &e.PacketsSinceReportTx
	}
	return &e.PacketsSinceReportRx
}

func (e *Entry) histogram(dir Dir) *tcpflags.AtomicHistogram {
	if dir == Forward {
		return &e.HistTx
	}
	return &e.HistRx
}

// AccumulateSuppressed records one suppressed packet's bytes, count
// and flags into dir's carry-over counters, saturating.
func (e *Entry) AccumulateSuppressed(dir Dir, bytes uint32, flags uint8) {
	satAddU32(e.bytesSinceReportCounter(dir), bytes)
	satAddU32(e.packetsSinceReportCounter(dir), 1)
	e.histogram(dir).Observe(flags)
}

// CarryOver is a snapshot of the suppressed carry-over counters for
// one direction, taken immediately before they are reset on EMIT.
type CarryOver struct {
	Bytes   uint32
	Packets uint32
	Flags   tcpflags.Histogram
}

// ResetCarryOver snapshots dir's carry-over counters (for attaching to
// an emitted record as previously_observed_*) and zeroes them.
func (e *Entry) ResetCarryOver(dir Dir) CarryOver {
	prev := CarryOver{
		Bytes:   e.bytesSinceReportCounter(dir).Swap(0),
		Packets: e.packetsSinceReportCounter(dir).Swap(0),
		Flags:   e.histogram(dir).Snapshot(),
	}
	e.histogram(dir).Reset()
	return prev
}

// MarkReported sets dir's last-report timestamp to now.
func (e *Entry) MarkReported(dir Dir, now uint32) {
	e.lastReportCounter(dir).Store(now)
}

// AddLifetimeCounters saturating-adds one packet's accounting into
// dir's lifetime totals.
func (e *Entry) AddLifetimeCounters(dir Dir, bytes uint32) {
	if dir == Forward {
		satAddU32(&e.TotalPacketsTx, 1)
		satAddU64(&e.TotalBytesTx, uint64(bytes))
	} else {
		satAddU32(&e.TotalPacketsRx, 1)
		satAddU64(&e.TotalBytesRx, uint64(bytes))
	}
}

// LifetimeCounters is a snapshot of an entry's total_* fields.
type LifetimeCounters struct {
	TxPackets, RxPackets uint32
	TxBytes, RxBytes     uint64
}

// Lifetime returns a consistent-enough snapshot of the lifetime
// counters for attaching to an emitted record.
func (e *Entry) Lifetime() LifetimeCounters {
	return LifetimeCounters{
		TxPackets: e.TotalPacketsTx.Load(),
		RxPackets: e.TotalPacketsRx.Load(),
		TxBytes:   e.TotalBytesTx.Load(),
		RxBytes:   e.TotalBytesRx.Load(),
	}
}

// Snapshot is the gob-serializable state of one Entry, used to pin the
// table across process restarts.
type Snapshot struct {
	TrafficDirection   obspoint.Direction
	IsDirectionUnknown bool

	EvictionTime uint32

	LastReportTx, LastReportRx uint32
	FlagsSeenTx, FlagsSeenRx   uint8

	BytesSinceReportTx, BytesSinceReportRx     uint32
	PacketsSinceReportTx, PacketsSinceReportRx uint32

	HistTx, HistRx tcpflags.Histogram

	TotalPacketsTx, TotalPacketsRx uint32
	TotalBytesTx, TotalBytesRx     uint64
}

// Snap takes a point-in-time snapshot of e for persistence. Like every
// other multi-field read of a live Entry, this is not linearised
// against concurrent writers; a snapshot taken while
// packets are in flight may mix field values from adjacent packets,
// which is acceptable for a best-effort restart-recovery aid.
func (e *Entry) Snap() Snapshot {
	return Snapshot{
		TrafficDirection:     e.TrafficDirection,
		IsDirectionUnknown:   e.IsDirectionUnknown,
		EvictionTime:         e.EvictionTime.Load(),
		LastReportTx:         e.LastReportTx.Load(),
		LastReportRx:         e.LastReportRx.Load(),
		FlagsSeenTx:          uint8(e.FlagsSeenTx.Load()),
		FlagsSeenRx:          uint8(e.FlagsSeenRx.Load()),
		BytesSinceReportTx:   e.BytesSinceReportTx.Load(),
		BytesSinceReportRx:   e.BytesSinceReportRx.Load(),
		PacketsSinceReportTx: e.PacketsSinceReportTx.Load(),
		PacketsSinceReportRx: e.PacketsSinceReportRx.Load(),
		HistTx:               e.HistTx.Snapshot(),
		HistRx:               e.HistRx.Snapshot(),
		TotalPacketsTx:       e.TotalPacketsTx.Load(),
		TotalPacketsRx:       e.TotalPacketsRx.Load(),
		TotalBytesTx:         e.TotalBytesTx.Load(),
		TotalBytesRx:         e.TotalBytesRx.Load(),
	}
}

// EntryFromSnapshot rebuilds a live Entry from a persisted Snapshot.
func EntryFromSnapshot(s Snapshot) *Entry {
	e := &Entry{
		TrafficDirection:   s.TrafficDirection,
		IsDirectionUnknown: s.IsDirectionUnknown,
	}
	e.EvictionTime.Store(s.EvictionTime)
	e.LastReportTx.Store(s.LastReportTx)
	e.LastReportRx.Store(s.LastReportRx)
	e.FlagsSeenTx.Store(uint32(s.FlagsSeenTx))
	e.FlagsSeenRx.Store(uint32(s.FlagsSeenRx))
	e.BytesSinceReportTx.Store(s.BytesSinceReportTx)
	e.BytesSinceReportRx.Store(s.BytesSinceReportRx)
	e.PacketsSinceReportTx.Store(s.PacketsSinceReportTx)
	e.PacketsSinceReportRx.Store(s.PacketsSinceReportRx)
	e.HistTx.RestoreFrom(s.HistTx)
	e.HistRx.RestoreFrom(s.HistRx)
	e.TotalPacketsTx.Store(s.TotalPacketsTx)
	e.TotalPacketsRx.Store(s.TotalPacketsRx)
	e.TotalBytesTx.Store(s.TotalBytesTx)
	e.TotalBytesRx.Store(s.TotalBytesRx)
	return e
}

// RefreshEviction sets EvictionTime to now+delta if that is higher
// than the current value (the field only ever moves forward) and does
// not overflow u32. Returns false (no-op) on overflow.
func (e *Entry) RefreshEviction(now, delta uint32) bool {
	next := now + delta
	if next < now {
		return false
	}
	for {
		old := e.EvictionTime.Load()
		if next <= old {
			return true
		}
		if e.EvictionTime.CompareAndSwap(old, next) {
			return true
		}
	}
}

// SetEviction unconditionally sets EvictionTime, used only at entry
// creation before the entry is published into the table.
func (e *Entry) SetEviction(t uint32) {
	e.EvictionTime.Store(t)
}

func satAddU32(counter *atomic.Uint32, delta uint32) {
	for {
		old := counter.Load()
		sum := old + delta
		if sum < old {
			sum = ^uint32(0)
		}
		if counter.CompareAndSwap(old, sum) {
			return
		}
	}
}

func satAddU64(counter *atomic.Uint64, delta uint64) {
	for {
		old := counter.Load()
		sum := old + delta
		if sum < old {
			sum = ^uint64(0)
		}
		if counter.CompareAndSwap(old, sum) {
			return
		}
	}
}
