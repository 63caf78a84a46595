package reportgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netshepherd/dataplane/conntrack"
	"github.com/netshepherd/dataplane/flowkey"
	"github.com/netshepherd/dataplane/obspoint"
	"github.com/netshepherd/dataplane/tcpflags"
)

// TestFullHandshakeAndGracefulClose walks the three-way handshake plus
// data transfer plus graceful close end to end through one entry,
// checking every decision along the way.
func TestFullHandshakeAndGracefulClose(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 1234, 80, flowkey.ProtoTCP)

	// 1: SYN, A->B, t=0
	res := conntrack.Resolve(tbl, k, tcpflags.SYN, flowkey.ProtoTCP, obspoint.FromEndpoint, 0)
	v := Decide(res.Entry, res.Dir, flowkey.ProtoTCP, tcpflags.SYN, 0, 0, res.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)

	// 2: SYN+ACK, B->A, t=0 — resolves onto the reverse of the same entry.
	res2 := conntrack.Resolve(tbl, k.Reverse(), tcpflags.SYN|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromNetwork, 0)
	require.False(t, res2.IsNew)
	require.Same(t, res.Entry, res2.Entry)
	v = Decide(res2.Entry, res2.Dir, flowkey.ProtoTCP, tcpflags.SYN|tcpflags.ACK, 0, 0, res2.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)

	// 3: ACK, A->B, t=0
	res3 := conntrack.Resolve(tbl, k, tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 0)
	v = Decide(res3.Entry, res3.Dir, flowkey.ProtoTCP, tcpflags.ACK, 0, 0, res3.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision, "new flag bit (ACK) forces emit")
	v.Finalize(Emit)

	// 4: PSH+ACK, A->B, 100 bytes, t=0
	res4 := conntrack.Resolve(tbl, k, tcpflags.PSH|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 0)
	v = Decide(res4.Entry, res4.Dir, flowkey.ProtoTCP, tcpflags.PSH|tcpflags.ACK, 100, 0, res4.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision, "new flag bit (PSH) forces emit")
	v.Finalize(Emit)

	// 5: PSH+ACK, A->B, 200 bytes, t=30 (report interval elapsed)
	res5 := conntrack.Resolve(tbl, k, tcpflags.PSH|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 30)
	v = Decide(res5.Entry, res5.Dir, flowkey.ProtoTCP, tcpflags.PSH|tcpflags.ACK, 200, 30, res5.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)
	assert.EqualValues(t, 0, v.PreviouslyObserved.Bytes)

	// same packet shape at t=31, no new flags, gap not yet elapsed again: suppress
	res5b := conntrack.Resolve(tbl, k, tcpflags.PSH|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 31)
	v = Decide(res5b.Entry, res5b.Dir, flowkey.ProtoTCP, tcpflags.PSH|tcpflags.ACK, 50, 31, res5b.IsNew, true, High)
	assert.Equal(t, Suppress, v.Decision)

	// 6: FIN+ACK, A->B, t=31
	res6 := conntrack.Resolve(tbl, k, tcpflags.FIN|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 31)
	v = Decide(res6.Entry, res6.Dir, flowkey.ProtoTCP, tcpflags.FIN|tcpflags.ACK, 0, 31, res6.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)

	// 7: FIN+ACK, B->A, t=31
	res7 := conntrack.Resolve(tbl, k.Reverse(), tcpflags.FIN|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromNetwork, 31)
	v = Decide(res7.Entry, res7.Dir, flowkey.ProtoTCP, tcpflags.FIN|tcpflags.ACK, 0, 31, res7.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision, "FIN always forces emit")
	v.Finalize(Emit)

	// 8: ACK-only, A->B, t=31 — both directions now carry FIN: teardown.
	res8 := conntrack.Resolve(tbl, k, tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromEndpoint, 31)
	v = Decide(res8.Entry, res8.Dir, flowkey.ProtoTCP, tcpflags.ACK, 0, 31, res8.IsNew, true, High)
	assert.Equal(t, TeardownEmitAndDelete, v.Decision)
}

func TestRSTAlwaysTearsDown(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 1234, 80, flowkey.ProtoTCP)

	res := conntrack.Resolve(tbl, k, tcpflags.SYN, flowkey.ProtoTCP, obspoint.FromEndpoint, 0)
	v0 := Decide(res.Entry, res.Dir, flowkey.ProtoTCP, tcpflags.SYN, 0, 0, res.IsNew, true, High)
	v0.Finalize(Emit)

	res2 := conntrack.Resolve(tbl, k.Reverse(), tcpflags.RST|tcpflags.ACK, flowkey.ProtoTCP, obspoint.FromNetwork, 2)
	v := Decide(res2.Entry, res2.Dir, flowkey.ProtoTCP, tcpflags.RST|tcpflags.ACK, 0, 2, res2.IsNew, true, High)
	assert.Equal(t, TeardownEmitAndDelete, v.Decision)
}

func TestUDPFirstPacketAlwaysEmits(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
}

func TestUDPSubsequentPacketsSuppressUntilReportInterval(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v0 := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, true, High)
	v0.Finalize(Emit)

	res2 := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 5)
	v := Decide(res2.Entry, res2.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 5, res2.IsNew, true, High)
	assert.Equal(t, Suppress, v.Decision)

	res3 := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 31)
	v = Decide(res3.Entry, res3.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 31, res3.IsNew, true, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)
	assert.EqualValues(t, 64, v.PreviouslyObserved.Bytes)
	assert.EqualValues(t, 1, v.PreviouslyObserved.Packets)
}

func TestTimeoutTearsDownWithoutFinOrRst(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v0 := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, true, High)
	v0.Finalize(Emit)

	// eviction was set to NonTCPLifetime (60); a packet arriving after
	// that, still hitting the same key via forward lookup, must be
	// treated as a timeout teardown (the caller is responsible for
	// having not yet reaped the entry on its own).
	res2, ok := tbl.LookupForward(k)
	require.True(t, ok)
	v := Decide(res2, conntrack.Forward, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 61, false, true, High)
	assert.Equal(t, TeardownEmitAndDelete, v.Decision)
}

func TestLowAggregationAlwaysEmitsInsteadOfSuppressing(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v0 := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, true, Low)
	v0.Finalize(Emit)

	// At HIGH aggregation this same shape (no flag change, report
	// interval not elapsed) suppresses; at LOW it must still emit.
	res2 := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 5)
	v := Decide(res2.Entry, res2.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 5, res2.IsNew, true, Low)
	assert.Equal(t, Emit, v.Decision)
}

func TestDisabledMetricsLeavesLifetimeCountersZero(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, false, High)
	assert.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)
	assert.Zero(t, v.Lifetime)
	assert.Zero(t, res.Entry.Lifetime())
}

// A downgraded EMIT must not lose its bytes/packet/flags, and must
// not advance last_report_d, exactly as an ungated SUPPRESS
// wouldn't.
func TestSamplerDowngradeFoldsIntoCarryOverInsteadOfVanishing(t *testing.T) {
	tbl := conntrack.NewTable(1024, nil)
	k := flowkey.New(1, 2, 5353, 5353, flowkey.ProtoUDP)

	res := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 0)
	v0 := Decide(res.Entry, res.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 0, res.IsNew, true, High)
	v0.Finalize(Emit)
	lastReportAfterFirst := res.Entry.LastReport(res.Dir)

	// t=31: report gap has elapsed, so the gate itself wants to EMIT —
	// but the sampler downgrades it to SUPPRESS.
	res2 := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 31)
	v := Decide(res2.Entry, res2.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 128, 31, res2.IsNew, true, High)
	require.Equal(t, Emit, v.Decision)
	v.Finalize(Suppress)

	assert.Equal(t, lastReportAfterFirst, res2.Entry.LastReport(res2.Dir), "last_report must not advance on a downgraded EMIT")

	// t=62: another report gap has elapsed; this EMIT is kept by the
	// sampler, so the downgraded packet's bytes/count must appear here
	// as carry-over instead of having vanished at t=31.
	res3 := conntrack.Resolve(tbl, k, tcpflags.UDPSentinel, flowkey.ProtoUDP, obspoint.FromEndpoint, 62)
	v = Decide(res3.Entry, res3.Dir, flowkey.ProtoUDP, tcpflags.UDPSentinel, 64, 62, res3.IsNew, true, High)
	require.Equal(t, Emit, v.Decision)
	v.Finalize(Emit)

	assert.EqualValues(t, 128, v.PreviouslyObserved.Bytes, "the sampled-away packet's bytes must be folded into the next real emit")
	assert.EqualValues(t, 1, v.PreviouslyObserved.Packets)
}
