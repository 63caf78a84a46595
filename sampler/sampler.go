// Package sampler implements the post-gate sampling step: an EMIT
// decision from the report gate can still be
// downgraded to SUPPRESS by a uniform random draw, so that a flow
// that would otherwise emit on every qualifying packet is thinned to
// roughly one in N without ever losing the underlying counters. The
// report gate (package reportgate) defers committing an EMIT's entry
// mutations until after Apply runs, via reportgate.Verdict.Finalize,
// so a downgraded packet folds into the carry-over counters instead
// of vanishing.
package sampler

import (
	"math/rand"

	"github.com/netshepherd/dataplane/reportgate"
)

// Sampler applies a uniform 1-in-N keep rate to EMIT decisions.
// Teardown and suppress decisions pass through unchanged, so sampling
// never hides a flow's teardown. Every EMIT is subject to the draw,
// including the one for the packet that created the flow.
//
// A Sampler is not safe for concurrent use (math/rand.Rand isn't);
// callers processing packets on multiple CPUs give each one its own
// Sampler, same as the per-CPU emitter channels in package emitter.
type Sampler struct {
	rand      *rand.Rand
	threshold uint32
	rate      uint32
}

// New builds a Sampler that keeps approximately 1 in rate EMIT
// decisions. rate == 0 or 1 disables sampling (every EMIT is kept).
// seed selects the PRNG seed; callers that need reproducible test
// output should pass a fixed seed, production callers a
// time-derived one.
func New(rate uint32, seed int64) *Sampler {
	s := &Sampler{rand: rand.New(rand.NewSource(seed)), rate: rate}
	s.threshold = thresholdFor(rate)
	return s
}

func thresholdFor(rate uint32) uint32 {
	if rate <= 1 {
		return ^uint32(0)
	}
	return ^uint32(0) / rate
}

// Apply returns the decision to actually act on: Emit decisions are
// kept with probability 1/rate and otherwise downgraded to Suppress;
// Suppress and TeardownEmitAndDelete pass through untouched.
func (s *Sampler) Apply(d reportgate.Decision) reportgate.Decision {
	if d != reportgate.Emit {
		return d
	}
	if s.rate <= 1 {
		return reportgate.Emit
	}
	if s.draw() < s.threshold {
		return reportgate.Emit
	}
	return reportgate.Suppress
}

func (s *Sampler) draw() uint32 {
	return s.rand.Uint32()
}

// SetRate adjusts the keep rate at runtime (e.g. from a config
// reload), recomputing the threshold.
func (s *Sampler) SetRate(rate uint32) {
	s.rate = rate
	s.threshold = thresholdFor(rate)
}

// Rate returns the current configured rate.
func (s *Sampler) Rate() uint32 {
	return s.rate
}
