package kb

import (
	"sync"
	"testing"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/model"
)

func valid(node core.NodeID, d float64) model.Measurement {
	return model.Measurement{Node: node, Peer: core.TagID, Variant: model.VariantMulti, Distance: d, Filtered: d}
}

func failed(node core.NodeID) model.Measurement {
	return model.Measurement{Node: node, Variant: model.VariantMulti, Distance: model.NoDistance, Error: model.ErrorMissed}
}

func TestPublishAndLatest(t *testing.T) {
	b := NewBoard()
	if _, ok := b.Latest(1); ok {
		t.Fatalf("Latest on empty board reported a measurement")
	}

	b.Publish(valid(1, 2.5))
	b.Publish(failed(1))

	got, ok := b.Latest(1)
	if !ok || got.Error != model.ErrorMissed {
		t.Fatalf("Latest = %+v, want the failed cycle", got)
	}
	last, ok := b.LastValid(1)
	if !ok || last.Distance != 2.5 {
		t.Fatalf("LastValid = %+v, want 2.5 m", last)
	}
	if c := b.Counts(1); c.Valid != 1 || c.Failed != 1 || c.Rejected != 0 {
		t.Fatalf("Counts = %+v", c)
	}
}

func TestListIsOrdered(t *testing.T) {
	b := NewBoard()
	for _, id := range []core.NodeID{3, 1, 2} {
		b.Publish(valid(id, float64(id)))
	}
	list := b.List()
	if len(list) != 3 {
		t.Fatalf("List len=%d, want 3", len(list))
	}
	for i, m := range list {
		if m.Node != core.NodeID(i+1) {
			t.Fatalf("List[%d].Node = %d, want %d", i, m.Node, i+1)
		}
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	b := NewBoard()

	var mu sync.Mutex
	var events []Event
	unsubscribe := b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	rejected := valid(2, 4.0)
	rejected.Rejected = true
	b.Publish(valid(1, 1.0))
	b.Publish(rejected)
	b.Publish(failed(3))

	mu.Lock()
	if len(events) != 3 {
		mu.Unlock()
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []EventType{EventMeasurement, EventRejected, EventFailure}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %v, want %v", i, ev.Type, want[i])
		}
	}
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	b.Publish(valid(1, 1.1))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("event delivered after unsubscribe")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := NewBoard()
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func(id core.NodeID) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(valid(id, float64(j)))
				_ = b.List()
			}
		}(core.NodeID(i + 1))
	}
	wg.Wait()
	for id := core.NodeID(1); id <= 3; id++ {
		if c := b.Counts(id); c.Valid != 100 {
			t.Fatalf("node %d valid count = %d, want 100", id, c.Valid)
		}
	}
}
