package radio

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/uwb-twr/core"
)

func TestLateTransmitIsHardware(t *testing.T) {
	if !errors.Is(ErrLateTransmit, ErrHardware) {
		t.Fatalf("ErrLateTransmit should wrap ErrHardware")
	}
	if errors.Is(ErrTimeout, ErrHardware) {
		t.Fatalf("ErrTimeout must stay distinct from ErrHardware")
	}
}

func TestAccepts(t *testing.T) {
	cases := []struct {
		self, dst core.NodeID
		want      bool
	}{
		{1, 1, true},
		{1, Broadcast, true},
		{1, 2, false},
	}
	for _, tc := range cases {
		if got := Accepts(tc.self, tc.dst); got != tc.want {
			t.Errorf("Accepts(%d, %d) = %v, want %v", tc.self, tc.dst, got, tc.want)
		}
	}
}

func TestAtCopies(t *testing.T) {
	v := core.Tick(10)
	p := At(v)
	v = 20
	if *p != 10 {
		t.Fatalf("At aliased its argument: %v", *p)
	}
}
