// Package emitter implements the bounded per-CPU event channel: one
// channel per CPU, non-blocking push, and a drop counter that is the
// only permitted form of observation loss in the core.
package emitter

import (
	"sync/atomic"

	"github.com/netshepherd/dataplane/record"
)

// DefaultChannelDepth is the default per-CPU channel capacity.
const DefaultChannelDepth = 4096

// Channel is one per-CPU event channel.
type Channel struct {
	records chan record.PacketRecord
	drops   atomic.Uint64
}

// NewChannel creates a Channel with the given capacity.
func NewChannel(depth int) *Channel {
	if depth <= 0 {
		depth = DefaultChannelDepth
	}
	return &Channel{records: make(chan record.PacketRecord, depth)}
}

// Push attempts to enqueue r without blocking. If the channel is
// full, the record is dropped and Drops is incremented; the caller's
// packet-processing path is never blocked or failed by this.
func (c *Channel) Push(r record.PacketRecord) {
	select {
	case c.records <- r:
	default:
		c.drops.Add(1)
	}
}

// Records returns the receive side of the channel, for a consumer
// goroutine to drain.
func (c *Channel) Records() <-chan record.PacketRecord {
	return c.records
}

// Drops returns the cumulative count of records dropped because the
// channel was full.
func (c *Channel) Drops() uint64 {
	return c.drops.Load()
}

// Emitter owns one Channel per CPU and routes a record to the channel
// for the CPU that produced it. Records for the same (flow, direction)
// stay in producing order because they're never routed across
// channels; no ordering is guaranteed across flows or CPUs.
type Emitter struct {
	channels []*Channel
}

// New creates an Emitter with numCPU channels, each of depth capacity.
func New(numCPU, depth int) *Emitter {
	if numCPU <= 0 {
		numCPU = 1
	}
	e := &Emitter{channels: make([]*Channel, numCPU)}
	for i := range e.channels {
		e.channels[i] = NewChannel(depth)
	}
	return e
}

// Emit pushes r onto the channel owned by cpu. cpu is taken modulo the
// number of channels so a caller that over-reports CPU count doesn't
// panic.
func (e *Emitter) Emit(cpu int, r record.PacketRecord) {
	e.channel(cpu).Push(r)
}

func (e *Emitter) channel(cpu int) *Channel {
	n := len(e.channels)
	idx := cpu % n
	if idx < 0 {
		idx += n
	}
	return e.channels[idx]
}

// Channels returns every per-CPU channel, for a consumer that wants to
// fan them all in (e.g. with a single select-based reader goroutine
// per channel).
func (e *Emitter) Channels() []*Channel {
	return e.channels
}

// TotalDrops sums Drops across every channel, for the
// `dataplane_emit_drops_total` metric.
func (e *Emitter) TotalDrops() uint64 {
	var total uint64
	for _, c := range e.channels {
		total += c.Drops()
	}
	return total
}
