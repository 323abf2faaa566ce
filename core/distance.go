package core

import (
	"math"
	"math/big"
	"time"
)

// SpeedOfLight in metres per second.
const SpeedOfLight = 299792458.0

// MaxPlausibleDistance is the largest double-sided result accepted in
// metres. Anything beyond it comes from a wrapped clock or a corrupted
// exchange.
const MaxPlausibleDistance = 10000.0

// Default scheduling offsets.
var (
	// DefaultStride separates the delayed transmissions of consecutive ids.
	DefaultStride = TicksFromDuration(50 * time.Millisecond)
	// DefaultSimpleReplyOffset is the single-sided responder turnaround.
	DefaultSimpleReplyOffset = TicksFromDuration(10 * time.Millisecond)
	// DefaultReportOffset is the double-sided report delay for one anchor.
	DefaultReportOffset = TicksFromDuration(15 * time.Millisecond)
	// DefaultMultiReportOffset is the double-sided report delay when three
	// anchors share the exchange.
	DefaultMultiReportOffset = TicksFromDuration(100 * time.Millisecond)
)

// TicksToMeters converts a one-way flight time in ticks to metres.
func TicksToMeters(tofTicks float64) float64 {
	return tofTicks * TickPeriod * SpeedOfLight
}

// CalcDelaySend schedules a transmission id*stride ticks after ref. It
// returns the value to program into the delayed-transmit register and the
// timestamp the frame will carry once sent: the register value truncated to
// the 512-tick boundary plus the antenna delay.
func CalcDelaySend(ref Tick, id NodeID, antennaDelay Tick, stride uint64) (txAt, stamp Tick) {
	txAt = ref.Add(uint64(id) * stride)
	return txAt, txAt.Quantize().Add(uint64(antennaDelay))
}

// ReplyTime schedules a transmission a fixed offset after ref, with the same
// truncation and antenna delay rules as CalcDelaySend.
func ReplyTime(ref Tick, offset uint64, antennaDelay Tick) (txAt, stamp Tick) {
	txAt = ref.Add(offset)
	return txAt, txAt.Quantize().Add(uint64(antennaDelay))
}

// TimeOfFlightSimple returns ((T4-T1) - (T3-T2)) / 2 in ticks.
func TimeOfFlightSimple(ts *TimestampSet) float64 {
	round := ts[T4].Since(ts[T1])
	reply := ts[T3].Since(ts[T2])
	return (float64(round) - float64(reply)) / 2
}

// CalcDistanceSimple returns the single-sided distance in metres.
func CalcDistanceSimple(ts *TimestampSet) float64 {
	return TicksToMeters(TimeOfFlightSimple(ts))
}

// TimeOfFlightDouble returns the asymmetric double-sided flight time in
// ticks:
//
//	(tround1*tround2 - treply1*treply2) / (tround1 + treply1 + tround2 + treply2)
//
// The products reach ~2^80, so they are formed in arbitrary precision. The
// second return is false when every interval is zero.
func TimeOfFlightDouble(ts *TimestampSet) (float64, bool) {
	tround1 := ts[T4].Since(ts[T1])
	treply1 := ts[T3].Since(ts[T2])
	tround2 := ts[T6].Since(ts[T3])
	treply2 := ts[T5].Since(ts[T4])

	den := tround1 + treply1 + tround2 + treply2
	if den == 0 {
		return 0, false
	}

	a := new(big.Int).Mul(new(big.Int).SetUint64(tround1), new(big.Int).SetUint64(tround2))
	b := new(big.Int).Mul(new(big.Int).SetUint64(treply1), new(big.Int).SetUint64(treply2))
	num := a.Sub(a, b)

	tof, _ := new(big.Rat).SetFrac(num, new(big.Int).SetUint64(den)).Float64()
	return tof, true
}

// CalcDistanceDouble returns the double-sided distance in metres. When the
// result is implausible (beyond MaxPlausibleDistance in magnitude, or the
// intervals are degenerate) it returns previous unchanged and false.
func CalcDistanceDouble(ts *TimestampSet, previous float64) (float64, bool) {
	tof, ok := TimeOfFlightDouble(ts)
	if !ok {
		return previous, false
	}
	d := TicksToMeters(tof)
	if math.IsNaN(d) || math.Abs(d) > MaxPlausibleDistance {
		return previous, false
	}
	return d, true
}
