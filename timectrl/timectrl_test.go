package timectrl

import (
	"testing"

	"github.com/signalsfoundry/uwb-twr/core"
)

func TestOscillatorIdealClock(t *testing.T) {
	osc := NewOscillator(1000, 0)

	if got := osc.LocalAt(0); got != core.Tick(1000) {
		t.Fatalf("LocalAt(0) = %v, want 1000", got)
	}
	if got := osc.LocalAt(5000); got != core.Tick(6000) {
		t.Fatalf("LocalAt(5000) = %v, want 6000", got)
	}
	if got := osc.GlobalSpan(12345); got != 12345 {
		t.Fatalf("GlobalSpan = %d, want 12345", got)
	}
}

func TestOscillatorWrapsAt40Bits(t *testing.T) {
	osc := NewOscillator(core.TickMask-9, 0)

	if got := osc.LocalAt(10); got != 0 {
		t.Fatalf("LocalAt past wrap = %v, want 0", got)
	}
	if got := osc.LocalAt(25); got != core.Tick(15) {
		t.Fatalf("LocalAt = %v, want 15", got)
	}
}

func TestOscillatorDrift(t *testing.T) {
	// 10 ppm fast.
	osc := NewOscillator(0, 10_000)
	g := int64(1_000_000_000)

	if got, want := osc.LocalAt(g), core.Tick(1_000_010_000); got != want {
		t.Fatalf("LocalAt = %v, want %v", got, want)
	}
	if got := osc.GlobalSpan(1_000_010_000); got != g {
		t.Fatalf("GlobalSpan = %d, want %d", got, g)
	}
	if got := osc.LocalSpan(g); got != 1_000_010_000 {
		t.Fatalf("LocalSpan = %d, want 1000010000", got)
	}
}

func TestOscillatorNextGlobal(t *testing.T) {
	osc := NewOscillator(core.TickMask-99, 0)
	now := int64(50)
	local := osc.LocalAt(now) // 2^40-50

	target := local.Add(200) // wraps to 150
	g, lead := osc.NextGlobal(now, target)
	if lead != 200 {
		t.Fatalf("lead = %d, want 200", lead)
	}
	if g != now+200 {
		t.Fatalf("global = %d, want %d", g, now+200)
	}
	if got := osc.LocalAt(g); got != target {
		t.Fatalf("LocalAt(g) = %v, want %v", got, target)
	}
}
