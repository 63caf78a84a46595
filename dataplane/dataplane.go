// Package dataplane wires the decoder, filter, connection-tracking
// table, report gate, sampler and emitter into a single per-packet
// entry point: decode, build the flow key, look the flow up forward
// then reversed, run the state machine and report gate, sample, emit.
package dataplane

import (
	"github.com/netshepherd/dataplane/clock"
	"github.com/netshepherd/dataplane/conntrack"
	"github.com/netshepherd/dataplane/decoder"
	"github.com/netshepherd/dataplane/emitter"
	"github.com/netshepherd/dataplane/filter"
	"github.com/netshepherd/dataplane/metrics"
	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/record"
	"github.com/netshepherd/dataplane/reportgate"
	"github.com/netshepherd/dataplane/sampler"
)

// Dataplane is the assembled core. One Dataplane is shared across all
// CPUs; its Table and Filter tolerate concurrent access, while each
// CPU's Sampler instance should be private (math/rand.Rand isn't safe
// for concurrent use).
type Dataplane struct {
	Table   *conntrack.Table
	Filter  *filter.Table
	Emitter *emitter.Emitter
	Metrics *metrics.Registry
	Nano    clock.NanoClock

	// EnableMetrics and AggregationLevel carry the ENABLE_METRICS and
	// DATA_AGGREGATION_LEVEL settings; both are read fresh on every
	// packet so a config reload takes effect immediately.
	EnableMetrics    bool
	AggregationLevel reportgate.AggregationLevel

	samplers []*sampler.Sampler
}

// New builds a Dataplane with one Sampler per CPU, all sharing rate.
// EnableMetrics defaults to true and AggregationLevel to High; use
// the exported fields to override after construction, e.g. from a
// loaded config.Config.
func New(table *conntrack.Table, flt *filter.Table, em *emitter.Emitter, reg *metrics.Registry, nano clock.NanoClock, numCPU int, samplingRate uint32, seed int64) *Dataplane {
	if numCPU <= 0 {
		numCPU = 1
	}
	samplers := make([]*sampler.Sampler, numCPU)
	for i := range samplers {
		samplers[i] = sampler.New(samplingRate, seed+int64(i))
	}
	return &Dataplane{
		Table:         table,
		Filter:        flt,
		Emitter:       em,
		Metrics:       reg,
		Nano:          nano,
		EnableMetrics: true,
		samplers:      samplers,
	}
}

// SetSamplingRate updates every CPU's sampler, e.g. on a config
// reload.
func (d *Dataplane) SetSamplingRate(rate uint32) {
	for _, s := range d.samplers {
		s.SetRate(rate)
	}
}

func (d *Dataplane) samplerFor(cpu int) *sampler.Sampler {
	n := len(d.samplers)
	idx := cpu % n
	if idx < 0 {
		idx += n
	}
	return d.samplers[idx]
}

// Process runs one packet through the full pipeline. raw is the
// complete Ethernet frame as observed at op. now is the current
// reading of the core's seconds clock, which drives the CT-table
// timers and is distinct from the record's nanosecond timestamp.
// Returns true if
// at least one record was pushed to the emitter.
func (d *Dataplane) Process(op obspoint.Point, cpu int, raw []byte, now uint32) bool {
	pkt, ok := decoder.Decode(raw)
	if !ok {
		return false
	}

	if d.Filter != nil && !d.Filter.IsOfInterest(pkt.SrcIP, pkt.DstIP) {
		return false
	}

	emitted := d.processResolved(op, cpu, pkt, now, true)
	return emitted
}

// processResolved runs the resolve/decide/sample/emit sequence for
// pkt, optionally allowing a timeout-teardown to recurse once into a
// fresh resolution for the same packet: the packet that discovers an
// expired entry is itself the first packet of a new flow.
func (d *Dataplane) processResolved(op obspoint.Point, cpu int, pkt decoder.ParsedPacket, now uint32, allowRecreate bool) bool {
	key := pkt.Key()
	res := conntrack.Resolve(d.Table, key, pkt.TCPFlags, pkt.Proto, op, now)
	v := reportgate.Decide(res.Entry, res.Dir, pkt.Proto, pkt.TCPFlags, pkt.Bytes, now, res.IsNew, d.EnableMetrics, d.AggregationLevel)

	if v.OverflowSkipped && d.Metrics != nil {
		d.Metrics.OverflowSkipped.Inc()
	}
	if res.InvariantViolation && d.Metrics != nil {
		d.Metrics.InvariantViolations.Inc()
	}

	decision := v.Decision
	smp := d.samplerFor(cpu)
	decision = smp.Apply(decision)

	// Commits v's entry mutations only now that sampling is settled: an
	// EMIT the sampler downgrades to SUPPRESS folds into the carry-over
	// counters instead of losing the packet.
	v.Finalize(decision)

	// ENABLE_METRICS is checked once per packet, not once per field,
	// to keep the hot path allocation-free when metrics are off.
	if d.EnableMetrics && d.Metrics != nil {
		d.Metrics.PacketsTotal.WithLabelValues(op.String(), res.Entry.TrafficDirection.String(), decision.String()).Inc()
	}

	emitted := false
	switch decision {
	case reportgate.Emit, reportgate.TeardownEmitAndDelete:
		d.Emitter.Emit(cpu, d.buildRecord(op, res, pkt, v, now))
		emitted = true
	}

	if v.Decision == reportgate.TeardownEmitAndDelete {
		d.Table.Delete(res.Key)
		if v.TimeoutTeardown && allowRecreate {
			if d.processResolved(op, cpu, pkt, now, false) {
				emitted = true
			}
		}
	}

	return emitted
}

func (d *Dataplane) buildRecord(op obspoint.Point, res conntrack.Resolution, pkt decoder.ParsedPacket, v reportgate.Verdict, now uint32) record.PacketRecord {
	var ts uint64
	if d.Nano != nil {
		ts = d.Nano.NowNanos()
	}
	return record.PacketRecord{
		TimestampNs:               ts,
		SrcIP:                     pkt.SrcIP,
		DstIP:                     pkt.DstIP,
		SrcPort:                   pkt.SrcPort,
		DstPort:                   pkt.DstPort,
		Proto:                     pkt.Proto,
		TCPFlags:                  pkt.TCPFlags,
		TCPSeq:                    pkt.TCPSeq,
		TCPAck:                    pkt.TCPAck,
		TCPTSVal:                  pkt.TCPTSVal,
		TCPTSEcr:                  pkt.TCPTSEcr,
		ObservationPoint:          op,
		TrafficDirection:          res.Entry.TrafficDirection,
		IsReply:                   res.Dir == conntrack.Reply,
		Bytes:                     pkt.Bytes,
		PreviouslyObservedPackets: v.PreviouslyObserved.Packets,
		PreviouslyObservedBytes:   v.PreviouslyObserved.Bytes,
		PreviouslyObservedFlags:   v.PreviouslyObserved.Flags,
		LifetimeTxPackets:         v.Lifetime.TxPackets,
		LifetimeRxPackets:         v.Lifetime.RxPackets,
		LifetimeTxBytes:           v.Lifetime.TxBytes,
		LifetimeRxBytes:           v.Lifetime.RxBytes,
	}
}
