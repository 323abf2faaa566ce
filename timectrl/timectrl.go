package timectrl

import (
	"math"

	"github.com/signalsfoundry/uwb-twr/core"
)

// Global simulated time is counted in ideal ticks as an int64. At the
// transceiver rate this covers more than four months, far beyond any
// simulated session.

// Oscillator models the free-running 40-bit counter of one device: a fixed
// power-on offset and a frequency error in parts per billion relative to
// the ideal tick rate.
type Oscillator struct {
	// Offset is the local counter value at global time 0.
	Offset uint64 `yaml:"offset"`
	// DriftPPB is the frequency error in parts per billion. Positive runs
	// fast.
	DriftPPB int64 `yaml:"drift_ppb"`
}

// NewOscillator returns an oscillator with the given offset and drift.
func NewOscillator(offset uint64, driftPPB int64) Oscillator {
	return Oscillator{Offset: offset & core.TickMask, DriftPPB: driftPPB}
}

// LocalAt returns the device counter reading at global time g.
func (o Oscillator) LocalAt(g int64) core.Tick {
	elapsed := g + (g*o.DriftPPB)/1_000_000_000
	return core.NewTick(o.Offset + uint64(elapsed))
}

// GlobalSpan converts an interval counted on this oscillator to global
// ticks.
func (o Oscillator) GlobalSpan(local uint64) int64 {
	rate := 1 + float64(o.DriftPPB)/1e9
	return int64(math.Round(float64(local) / rate))
}

// LocalSpan converts a global interval to ticks of this oscillator.
func (o Oscillator) LocalSpan(global int64) uint64 {
	if global <= 0 {
		return 0
	}
	rate := 1 + float64(o.DriftPPB)/1e9
	return uint64(math.Round(float64(global) * rate))
}

// NextGlobal returns the first global time at or after now when the
// counter reads local. The counter is circular; a target that lies behind
// the current reading is reached only after a full wrap, so callers
// detecting late transmissions should compare the returned lead with the
// half period.
func (o Oscillator) NextGlobal(now int64, local core.Tick) (int64, uint64) {
	lead := local.Since(o.LocalAt(now))
	return now + o.GlobalSpan(lead), lead
}
