package core

import (
	"fmt"
	"time"
)

const (
	// TickBits is the width of the transceiver's free-running counter.
	TickBits = 40
	// TickModulus is the counter period in ticks (2^40).
	TickModulus uint64 = 1 << TickBits
	// TickMask keeps the low 40 bits of a value.
	TickMask = TickModulus - 1

	// SentinelTick is the reserved all-ones value a peer places in a
	// timestamp field to signal a hardware fault.
	SentinelTick Tick = Tick(TickMask)

	// TxGranularityBits is the number of low bits the delayed-transmit
	// register ignores; scheduled transmissions start on 512-tick boundaries.
	TxGranularityBits = 9
)

// TickHz is the counter rate: 499.2 MHz chipping clock times 128.
const TickHz = 499.2e6 * 128

// TickPeriod is the duration of one tick in seconds (~15.65 ps).
const TickPeriod = 1.0 / TickHz

// TicksPerMicrosecond is the rounded tick rate used for every scheduling
// offset expressed in microseconds.
const TicksPerMicrosecond uint64 = 63898

// Tick is a 40-bit hardware timestamp. The zero value is tick 0. Values are
// always kept reduced modulo 2^40; use the methods rather than raw integer
// arithmetic so that wraparound never corrupts an interval.
type Tick uint64

// NewTick reduces v modulo 2^40.
func NewTick(v uint64) Tick { return Tick(v & TickMask) }

// Uint64 returns the raw counter value.
func (t Tick) Uint64() uint64 { return uint64(t) }

// Add returns t advanced by d ticks, modulo 2^40.
func (t Tick) Add(d uint64) Tick { return NewTick(uint64(t) + (d & TickMask)) }

// Since returns the forward interval from earlier to t in ticks, modulo
// 2^40. The result is always in [0, 2^40): a counter that wrapped between
// the two readings still yields the elapsed tick count.
func (t Tick) Since(earlier Tick) uint64 {
	return (uint64(t) - uint64(earlier)) & TickMask
}

// Diff returns the signed shortest distance from other to t, in
// (-2^39, 2^39]. Positive means t is later than other.
func (t Tick) Diff(other Tick) int64 {
	d := t.Since(other)
	if d > TickModulus/2 {
		return int64(d) - int64(TickModulus)
	}
	return int64(d)
}

// After reports whether t is strictly later than other on the circular
// counter.
func (t Tick) After(other Tick) bool { return t.Diff(other) > 0 }

// Quantize clears the bits the delayed-transmit register ignores.
func (t Tick) Quantize() Tick {
	return Tick((uint64(t) >> TxGranularityBits) << TxGranularityBits)
}

// IsSentinel reports whether t is the peer error marker.
func (t Tick) IsSentinel() bool { return t == SentinelTick }

func (t Tick) String() string {
	if t.IsSentinel() {
		return "tick(sentinel)"
	}
	return fmt.Sprintf("tick(%d)", uint64(t))
}

// TicksFromDuration converts a scheduling offset to ticks at microsecond
// resolution.
func TicksFromDuration(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d/time.Microsecond) * TicksPerMicrosecond
}

// TicksToSeconds converts a tick count to seconds.
func TicksToSeconds(ticks float64) float64 { return ticks * TickPeriod }
