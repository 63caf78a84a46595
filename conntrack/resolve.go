package conntrack

import (
	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/tcpflags"
)

// Timeout constants used only at entry creation. The ongoing-refresh
// values live in package reportgate, which owns the per-packet
// refresh that runs after creation.
const (
	synTimeout     uint32 = 60
	tcpLifetime    uint32 = 360
	nonTCPLifetime uint32 = 60
)

// Resolution is the result of mapping one packet onto the CT table:
// either an existing entry (forward or reverse hit) or a freshly
// created one.
type Resolution struct {
	Key   flowkey.Key
	Entry *Entry
	Dir   Dir
	IsNew bool

	// InvariantViolation is set when a freshly created entry's
	// direction coexists with a separately stored entry for the
	// opposite direction of the same flow — two CT entries for what
	// should be one symmetric flow. This can only happen under a
	// genuine creation race: two packets for opposite directions of a
	// brand new flow, processed on different CPUs, both missing each
	// other's lookup and both calling create(). The caller's forward
	// path is not interrupted; this only flags the condition for the
	// dataplane_invariant_violations_total metric.
	InvariantViolation bool
}

// Resolve maps one packet onto the table: try forward(K), then
// reverse(K); if neither hits, create a new entry according to the
// packet's protocol and flags. pktKey is always built from the
// packet's own (src, dst) order as observed on the wire; op carries
// the hook the packet arrived at, used to set the entry's traffic
// direction on creation.
func Resolve(t *Table, pktKey flowkey.Key, flags uint8, proto flowkey.Proto, op obspoint.Point, now uint32) Resolution {
	if e, ok := t.LookupForward(pktKey); ok {
		return Resolution{Key: pktKey, Entry: e, Dir: Forward, IsNew: false}
	}
	if rk, e, ok := t.LookupReverse(pktKey); ok {
		return Resolution{Key: rk, Entry: e, Dir: Reply, IsNew: false}
	}
	return create(t, pktKey, flags, proto, op, now)
}

func create(t *Table, pktKey flowkey.Key, flags uint8, proto flowkey.Proto, op obspoint.Point, now uint32) Resolution {
	e := &Entry{
		TrafficDirection: obspoint.DirectionOf(op),
	}

	if proto != flowkey.ProtoTCP {
		e.SetEviction(satAdd(now, nonTCPLifetime))
		t.Insert(pktKey, e)
		return Resolution{Key: pktKey, Entry: e, Dir: Forward, IsNew: true, InvariantViolation: otherDirectionExists(t, pktKey)}
	}

	syn := tcpflags.Has(flags, tcpflags.SYN)
	ack := tcpflags.Has(flags, tcpflags.ACK)

	switch {
	case syn && !ack:
		// Pure SYN: this packet is the forward-direction opener.
		e.SetEviction(satAdd(now, synTimeout))
		t.Insert(pktKey, e)
		return Resolution{Key: pktKey, Entry: e, Dir: Forward, IsNew: true, InvariantViolation: otherDirectionExists(t, pktKey)}

	case syn && ack:
		// SYN-ACK with no prior entry: capture started mid-handshake.
		// This packet is logically the reply to an unseen SYN, so it
		// is stored under reverse(K).
		rk := pktKey.Reverse()
		e.SetEviction(satAdd(now, synTimeout))
		t.Insert(rk, e)
		return Resolution{Key: rk, Entry: e, Dir: Reply, IsNew: true, InvariantViolation: otherDirectionExists(t, rk)}

	default:
		// Non-SYN first packet: direction is genuinely unknown, so the
		// packet's own ACK bit is used as a heuristic.
		// ACK set suggests this is already mid-stream traffic flowing
		// reply-to-forward; otherwise treat it as the forward leg.
		e.IsDirectionUnknown = true
		e.SetEviction(satAdd(now, tcpLifetime))
		if ack {
			rk := pktKey.Reverse()
			t.Insert(rk, e)
			return Resolution{Key: rk, Entry: e, Dir: Reply, IsNew: true, InvariantViolation: otherDirectionExists(t, rk)}
		}
		t.Insert(pktKey, e)
		return Resolution{Key: pktKey, Entry: e, Dir: Forward, IsNew: true, InvariantViolation: otherDirectionExists(t, pktKey)}
	}
}

// satAdd computes now+delta clamped to MaxUint32: a creation-time
// eviction value that wrapped around would mark the brand-new entry
// as already expired.
func satAdd(now, delta uint32) uint32 {
	sum := now + delta
	if sum < now {
		return ^uint32(0)
	}
	return sum
}

// otherDirectionExists reports whether a flow's opposite direction is
// already stored as its own separate forward-keyed entry, which would
// mean two CT entries exist for one logical flow — the creation race
// InvariantViolation reports. insertedKey is the key this
// call just inserted under; its own entry is never mistaken for the
// other direction's, since insertedKey.Reverse() != insertedKey for
// any real flow (distinct source and destination).
func otherDirectionExists(t *Table, insertedKey flowkey.Key) bool {
	_, ok := t.LookupForward(insertedKey.Reverse())
	return ok
}
