// Package clock provides the core's single source of "now": monotonic
// seconds since boot. Every CT table and gate operation takes a clock
// reading explicitly rather than calling time.Now() itself, so the
// timeout and report-interval logic can be driven by a fake clock in
// tests.
package clock

import "time"

// Clock returns monotonic seconds since some fixed epoch. Callers must
// not assume the epoch is the Unix epoch; only differences between two
// readings of the same Clock are meaningful.
type Clock interface {
	NowSeconds() uint32
}

// NanoClock returns wall-clock nanoseconds, used only for the
// emitted record's timestamp_ns field. The CT table's own timers
// (eviction_time, last_report_*) always use the coarser, overflow-
// checkable NowSeconds instead; the two clocks are kept as separate
// interfaces so one cannot be fed where the other belongs.
type NanoClock interface {
	NowNanos() uint64
}

// Real is a Clock backed by the monotonic runtime clock.
type Real struct {
	start time.Time
}

// NewReal returns a Clock whose epoch is the moment it is constructed,
// standing in for bpf_ktime_get_boot_ns()/NSEC_PER_SEC.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (c *Real) NowSeconds() uint32 {
	secs := time.Since(c.start).Seconds()
	if secs < 0 {
		return 0
	}
	if secs > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(secs)
}

// NowNanos returns wall-clock nanoseconds since the Unix epoch, for
// stamping emitted records.
func (c *Real) NowNanos() uint64 {
	return uint64(time.Now().UnixNano())
}

// Fake is a manually-advanced Clock (and NanoClock) for deterministic
// tests.
type Fake struct {
	secs  uint32
	nanos uint64
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(startSecs uint32) *Fake {
	return &Fake{secs: startSecs}
}

func (c *Fake) NowSeconds() uint32 {
	return c.secs
}

// Advance moves the fake clock forward by delta seconds.
func (c *Fake) Advance(delta uint32) {
	c.secs += delta
}

// Set pins the fake clock to an absolute value, e.g. to probe overflow
// behavior near math.MaxUint32.
func (c *Fake) Set(secs uint32) {
	c.secs = secs
}

// NowNanos returns the fake nanosecond reading, independently settable
// from NowSeconds so tests can assert the two clocks are never
// conflated.
func (c *Fake) NowNanos() uint64 {
	return c.nanos
}

// SetNanos pins the fake nanosecond clock.
func (c *Fake) SetNanos(nanos uint64) {
	c.nanos = nanos
}

// AddWithOverflowCheck computes now+delta, returning ok=false if the
// addition would overflow u32 rather than wrapping silently. A
// timeout refresh that would overflow is skipped, never faulted.
func AddWithOverflowCheck(now, delta uint32) (result uint32, ok bool) {
	result = now + delta
	if result < now {
		return 0, false
	}
	return result, true
}
