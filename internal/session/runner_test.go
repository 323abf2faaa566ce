package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/signalsfoundry/uwb-twr/kb"
	"github.com/signalsfoundry/uwb-twr/model"
)

type cycleMetrics struct {
	mu       sync.Mutex
	outcomes []string
	misses   int
}

func (m *cycleMetrics) ObserveCycle(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *cycleMetrics) SetConsecutiveMisses(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses = n
}

func measured(d float64) model.Measurement {
	return model.Measurement{Node: 1, Peer: 5, Variant: model.VariantDouble, Distance: d, Filtered: d}
}

func missed() model.Measurement {
	return model.Measurement{Node: 1, Peer: 5, Variant: model.VariantDouble, Distance: model.NoDistance, Error: model.ErrorLocal}
}

// scripted returns a cycle that replays results in order.
func scripted(results ...[]model.Measurement) Cycle {
	i := 0
	return func(context.Context) ([]model.Measurement, error) {
		ms := results[i%len(results)]
		i++
		out := append([]model.Measurement(nil), ms...)
		for _, m := range out {
			if !m.Valid() {
				return out, errors.New("exchange failed")
			}
		}
		return out, nil
	}
}

func TestRunCountsOutcomes(t *testing.T) {
	board := kb.NewBoard()
	metrics := &cycleMetrics{}
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	r, err := NewRunner(scripted(
		[]model.Measurement{measured(1)},
		[]model.Measurement{missed()},
		[]model.Measurement{missed()},
		[]model.Measurement{measured(1), missed()},
		[]model.Measurement{missed()},
	), WithBoard(board), WithMetrics(metrics), WithClock(fc))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	got, err := r.Run(context.Background(), 5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Summary{Attempted: 5, Completed: 1, Partial: 1, Missed: 3, ConsecutiveMisses: 1, MaxConsecutiveMisses: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"complete", "missed", "missed", "partial", "missed"}, metrics.outcomes); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if metrics.misses != 1 {
		t.Fatalf("consecutive misses gauge = %d, want 1", metrics.misses)
	}

	latest, ok := board.Latest(1)
	if !ok || latest.Error != model.ErrorLocal || !latest.At.Equal(fc.Now()) {
		t.Fatalf("board latest = %+v", latest)
	}
	if c := board.Counts(1); c.Valid != 2 || c.Failed != 4 {
		t.Fatalf("board counts = %+v", c)
	}
}

func TestHealthy(t *testing.T) {
	r, err := NewRunner(scripted([]model.Measurement{missed()}))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Healthy(3) {
		t.Fatal("Healthy(3) after three misses")
	}
	if !r.Healthy(4) || !r.Healthy(0) {
		t.Fatal("Healthy(4) and Healthy(0) should hold")
	}
}

func TestRunIsPacedByInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var mu sync.Mutex
	var starts []time.Time
	cycle := func(context.Context) ([]model.Measurement, error) {
		mu.Lock()
		defer mu.Unlock()
		starts = append(starts, fc.Now())
		return []model.Measurement{measured(2)}, nil
	}
	r, err := NewRunner(cycle, WithInterval(time.Second), WithClock(fc))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	done := make(chan Summary, 1)
	go func() {
		s, _ := r.Run(context.Background(), 3)
		done <- s
	}()

	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(time.Second)
	}

	select {
	case s := <-done:
		if s.Completed != 3 {
			t.Fatalf("completed = %d, want 3", s.Completed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap != time.Second {
			t.Fatalf("gap %d = %v, want 1s", i, gap)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r, err := NewRunner(scripted([]model.Measurement{measured(1)}), WithInterval(time.Minute), WithClock(fc))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var got Summary
	go func() {
		var err error
		got, err = r.Run(ctx, 0)
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if got.Attempted != 1 {
		t.Fatalf("attempted = %d, want 1", got.Attempted)
	}
}

func TestNewRunnerRejectsNilCycle(t *testing.T) {
	if _, err := NewRunner(nil); err == nil {
		t.Fatal("NewRunner(nil) succeeded")
	}
}

func TestCycleHookSeesEverySummary(t *testing.T) {
	var seen []int
	r, err := NewRunner(
		scripted([]model.Measurement{missed()}, []model.Measurement{measured(3)}),
		WithCycleHook(func(s Summary) { seen = append(seen, s.ConsecutiveMisses) }),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0, 1, 0}, seen); diff != "" {
		t.Fatalf("consecutive misses per cycle (-want +got):\n%s", diff)
	}
}
