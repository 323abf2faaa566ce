package core

import (
	"testing"
	"time"
)

func TestTickSinceAcrossWrap(t *testing.T) {
	earlier := Tick(TickMask - 99)
	later := earlier.Add(250)

	if later != Tick(150) {
		t.Fatalf("Add across wrap = %v, want 150", later)
	}
	if got := later.Since(earlier); got != 250 {
		t.Fatalf("Since across wrap = %d, want 250", got)
	}
	if !later.After(earlier) {
		t.Fatalf("expected %v to be after %v", later, earlier)
	}
	if got := earlier.Diff(later); got != -250 {
		t.Fatalf("Diff = %d, want -250", got)
	}
}

func TestNewTickMasks(t *testing.T) {
	if got := NewTick(TickModulus + 7); got != 7 {
		t.Fatalf("NewTick = %v, want 7", got)
	}
	if !NewTick(TickMask).IsSentinel() {
		t.Fatalf("expected 2^40-1 to be the sentinel")
	}
}

func TestQuantize(t *testing.T) {
	cases := []struct {
		in, want Tick
	}{
		{0, 0},
		{511, 0},
		{512, 512},
		{1023, 512},
		{Tick(TickMask), Tick(TickMask &^ 511)},
	}
	for _, tc := range cases {
		if got := tc.in.Quantize(); got != tc.want {
			t.Errorf("Quantize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTicksFromDuration(t *testing.T) {
	if got := TicksFromDuration(10 * time.Millisecond); got != 10000*63898 {
		t.Fatalf("TicksFromDuration(10ms) = %d, want %d", got, 10000*63898)
	}
	if got := TicksFromDuration(-time.Second); got != 0 {
		t.Fatalf("negative duration = %d, want 0", got)
	}
}
