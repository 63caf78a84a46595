// Package reportgate implements the report/aggregation gate: given a
// CT entry and a new packet, decide whether to
// update counters only, emit an immediate record, suppress until the
// next report interval, or tear down the flow.
package reportgate

import (
	"github.com/netshepherd/dataplane/conntrack"
	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/tcpflags"
)

// Timeout and interval constants, in seconds of boot-monotonic time.
const (
	SynTimeout     uint32 = 60
	TCPLifetime    uint32 = 360
	NonTCPLifetime uint32 = 60
	TimeWait       uint32 = 30
	ReportInterval uint32 = 30
)

// Decision is the gate's verdict for one packet.
type Decision int

const (
	Emit Decision = iota
	Suppress
	TeardownEmitAndDelete
)

func (d Decision) String() string {
	switch d {
	case Emit:
		return "EMIT"
	case Suppress:
		return "SUPPRESS"
	case TeardownEmitAndDelete:
		return "TEARDOWN_EMIT_AND_DELETE"
	default:
		return "UNKNOWN"
	}
}

// importantBits are the control bits that always force an EMIT when
// observed on a TCP packet, regardless of report-interval timing.
const importantBits = tcpflags.SYN | tcpflags.FIN | tcpflags.URG | tcpflags.ECE | tcpflags.CWR

// AggregationLevel is the DATA_AGGREGATION_LEVEL setting: HIGH runs
// the full suppression logic; LOW always emits once a packet has
// cleared the teardown check, trading collector volume for zero
// suppression latency.
type AggregationLevel uint8

const (
	High AggregationLevel = iota
	Low
)

// Verdict carries the gate's decision plus whatever must be attached
// to an emitted/torn-down record.
//
// For a TeardownEmitAndDelete decision, every field below is already
// final: teardown is never downgraded by the sampler, so Decide
// commits its side effects immediately. For an Emit decision,
// PreviouslyObserved/Lifetime are NOT committed yet — Finalize must
// be called once the sampler (package sampler) has had its chance to
// downgrade EMIT to SUPPRESS, so that a sampled-away packet folds
// into the carry-over counters instead of vanishing.
type Verdict struct {
	Decision           Decision
	PreviouslyObserved conntrack.CarryOver
	Lifetime           conntrack.LifetimeCounters

	// TimeoutTeardown is set only when Decision is
	// TeardownEmitAndDelete and the reason was `now >= eviction_time`,
	// as opposed to RST or the final-ACK pattern. This case, and only
	// this case, must be followed by treating the same packet as the
	// first packet of a brand new flow — the old entry's expiry is
	// incidental to a packet that never belonged to it. Callers must
	// not do the same for an RST/final-ACK teardown, where the packet
	// genuinely belongs to the flow being closed.
	TimeoutTeardown bool

	// OverflowSkipped is set when the eviction-time refresh this call
	// attempted was skipped because now+delta would overflow u32;
	// callers feed it into the overflow_skipped counter.
	OverflowSkipped bool

	// Fields below back the deferred commit in Finalize and are unset
	// (zero value, inert) for any Decision other than Emit.
	entry         *conntrack.Entry
	dir           conntrack.Dir
	commitFlags   uint8
	bytes         uint32
	now           uint32
	enableMetrics bool
	finalized     bool
}

// Finalize commits an Emit verdict's entry mutations — the directional
// flags-seen OR, the last-report timestamp advance, and the
// carry-over reset — using final as the decision actually acted on
// after sampling. Pass final == Emit when the sampler kept the emit;
// pass final == Suppress when the sampler downgraded it, in which
// case this packet is folded into the carry-over counters instead
// (exactly as an ungated Suppress would have been), so no observation
// is lost to sampling.
//
// Finalize is a no-op for any Verdict whose Decision isn't Emit:
// Suppress already committed its AccumulateSuppressed call inside
// Decide, and TeardownEmitAndDelete is never downgraded so Decide
// committed its side effects immediately. Calling Finalize more than
// once on the same Verdict is a bug and panics.
func (v *Verdict) Finalize(final Decision) {
	if v.Decision != Emit {
		return
	}
	if v.finalized {
		panic("reportgate: Verdict.Finalize called twice")
	}
	v.finalized = true

	if final == Emit {
		v.entry.OrFlagsSeen(v.dir, v.commitFlags)
		v.entry.MarkReported(v.dir, v.now)
		v.PreviouslyObserved = v.entry.ResetCarryOver(v.dir)
		if v.enableMetrics {
			v.Lifetime = v.entry.Lifetime()
		}
		return
	}

	// Downgraded by the sampler: accumulate as if the gate had decided
	// Suppress in the first place. last_report_d and flags_seen_d are
	// left untouched.
	v.entry.AccumulateSuppressed(v.dir, v.bytes, v.commitFlags)
}

// Decide runs the report-gate algorithm for one packet against an
// existing entry. dir is the direction the packet was resolved to
// (Forward for a forward-key hit, Reply for a reverse-key hit). isNew
// must be true exactly for the packet that caused the entry to be
// created in this same call: the gate then always emits (if not an
// immediate RST teardown) and skips the eviction-time refresh, since
// conntrack.Resolve has already set the entry's creation-time-specific
// eviction value.
//
// enableMetrics is the ENABLE_METRICS setting: when false, the
// entry's lifetime total_packets_*/total_bytes_* counters are left
// untouched and the verdict's Lifetime field reads as its zero value.
// aggLevel is DATA_AGGREGATION_LEVEL (see AggregationLevel above).
func Decide(entry *conntrack.Entry, dir conntrack.Dir, proto flowkey.Proto, flags uint8, bytes uint32, now uint32, isNew bool, enableMetrics bool, aggLevel AggregationLevel) Verdict {
	if enableMetrics {
		entry.AddLifetimeCounters(dir, bytes)
	}

	commitFlags := flags
	if proto != flowkey.ProtoTCP {
		commitFlags = 0
	}

	otherDir := otherDirection(dir)
	flagsSeen := entry.FlagsSeen(dir)
	otherFlagsSeen := entry.FlagsSeen(otherDir)
	flagsNew := commitFlags | flagsSeen

	preBothFin := tcpflags.Has(flagsSeen, tcpflags.FIN) && tcpflags.Has(otherFlagsSeen, tcpflags.FIN)
	isAckOnly := commitFlags == tcpflags.ACK
	isRST := tcpflags.Has(commitFlags, tcpflags.RST)
	isTimeout := now >= entry.EvictionTime.Load()
	isFinalAck := preBothFin && isAckOnly

	lifetime := func() conntrack.LifetimeCounters {
		if !enableMetrics {
			return conntrack.LifetimeCounters{}
		}
		return entry.Lifetime()
	}

	if isTimeout || isRST || isFinalAck {
		prev := entry.ResetCarryOver(dir)
		return Verdict{
			Decision:           TeardownEmitAndDelete,
			PreviouslyObserved: prev,
			Lifetime:           lifetime(),
			TimeoutTeardown:    isTimeout && !isRST && !isFinalAck,
		}
	}

	postBothFin := tcpflags.Has(flagsNew, tcpflags.FIN) && tcpflags.Has(otherFlagsSeen, tcpflags.FIN)
	overflowSkipped := false
	if !isNew {
		overflowSkipped = !refreshEviction(entry, proto, postBothFin, now)
	}

	changed := flagsNew != flagsSeen
	reportGapElapsed := now-entry.LastReport(dir) >= ReportInterval
	importantBitSet := proto == flowkey.ProtoTCP && commitFlags&importantBits != 0

	// DATA_AGGREGATION_LEVEL=LOW skips the suppression logic: any
	// packet that survives the teardown check above is emitted.
	if isNew || aggLevel == Low || importantBitSet || changed || reportGapElapsed {
		// Side effects (flags-seen OR, last-report advance, carry-over
		// reset) are deferred to Finalize: the sampler gets a chance to
		// downgrade this to SUPPRESS first, and a downgraded packet must
		// still fold into the carry-over rather than disappear.
		return Verdict{
			Decision:        Emit,
			OverflowSkipped: overflowSkipped,
			entry:           entry,
			dir:             dir,
			commitFlags:     commitFlags,
			bytes:           bytes,
			now:             now,
			enableMetrics:   enableMetrics,
		}
	}

	entry.AccumulateSuppressed(dir, bytes, commitFlags)
	return Verdict{Decision: Suppress, OverflowSkipped: overflowSkipped}
}

func refreshEviction(entry *conntrack.Entry, proto flowkey.Proto, postBothFin bool, now uint32) bool {
	var delta uint32
	switch {
	case proto != flowkey.ProtoTCP:
		delta = NonTCPLifetime
	case postBothFin:
		delta = TimeWait
	default:
		delta = TCPLifetime
	}
	return entry.RefreshEviction(now, delta)
}

func otherDirection(dir conntrack.Dir) conntrack.Dir {
	if dir == conntrack.Forward {
		return conntrack.Reply
	}
	return conntrack.Forward
}
