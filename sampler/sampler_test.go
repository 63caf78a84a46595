package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netshepherd/dataplane/reportgate"
)

func TestApplyPassesThroughNonEmit(t *testing.T) {
	s := New(10, 1)
	assert.Equal(t, reportgate.Suppress, s.Apply(reportgate.Suppress))
	assert.Equal(t, reportgate.TeardownEmitAndDelete, s.Apply(reportgate.TeardownEmitAndDelete))
}

func TestApplyRateZeroOrOneKeepsEverything(t *testing.T) {
	s := New(0, 1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, reportgate.Emit, s.Apply(reportgate.Emit))
	}
	s.SetRate(1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, reportgate.Emit, s.Apply(reportgate.Emit))
	}
}

func TestApplyApproximatesRateOverManyDraws(t *testing.T) {
	const rate = 10
	const trials = 20000
	s := New(rate, 42)

	kept := 0
	for i := 0; i < trials; i++ {
		if s.Apply(reportgate.Emit) == reportgate.Emit {
			kept++
		}
	}

	got := float64(kept) / float64(trials)
	want := 1.0 / float64(rate)
	assert.InDelta(t, want, got, 0.02)
}

func TestSetRateChangesKeepProbability(t *testing.T) {
	s := New(1000000, 7)
	// Effectively never kept at this rate across a handful of draws.
	kept := 0
	for i := 0; i < 20; i++ {
		if s.Apply(reportgate.Emit) == reportgate.Emit {
			kept++
		}
	}
	assert.Equal(t, 0, kept)

	s.SetRate(1)
	assert.Equal(t, reportgate.Emit, s.Apply(reportgate.Emit))
}
