package core

// DefaultAlpha is the smoothing weight given to the previous output.
const DefaultAlpha = 0.96

// IIRFilter is a one-pole smoother:
//
//	filtered = (1-alpha)*raw + alpha*previous
//
// The state is seeded from the first sample so early outputs are not pulled
// towards zero. The zero value is usable and passes samples through
// unsmoothed (alpha 0).
type IIRFilter struct {
	Alpha float64

	previous float64
	seeded   bool
}

// NewIIRFilter returns a filter with the given alpha. Values outside [0,1)
// fall back to DefaultAlpha.
func NewIIRFilter(alpha float64) IIRFilter {
	if alpha < 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return IIRFilter{Alpha: alpha}
}

func (f *IIRFilter) alpha() float64 {
	if f.Alpha < 0 || f.Alpha >= 1 {
		return DefaultAlpha
	}
	return f.Alpha
}

// Update feeds one raw sample and returns the new filtered value.
func (f *IIRFilter) Update(raw float64) float64 {
	if !f.seeded {
		f.previous = raw
		f.seeded = true
		return raw
	}
	a := f.alpha()
	f.previous = (1-a)*raw + a*f.previous
	return f.previous
}

// Value returns the last filtered output, which is also the state the next
// Update blends against.
func (f *IIRFilter) Value() float64 { return f.previous }

// Seeded reports whether a sample has been accepted since the last Reset.
func (f *IIRFilter) Seeded() bool { return f.seeded }

// Seed forces the filter state, e.g. from a calibration measurement.
func (f *IIRFilter) Seed(v float64) {
	f.previous = v
	f.seeded = true
}

// Reset drops the state so the next sample seeds the filter again.
func (f *IIRFilter) Reset() {
	f.previous = 0
	f.seeded = false
}
