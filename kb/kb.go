// Package kb holds the latest ranging measurement per node and fans new
// ones out to subscribers.
package kb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/model"
)

// EventType indicates what kind of change happened on the board.
type EventType int

const (
	// EventMeasurement is a fresh distance.
	EventMeasurement EventType = iota
	// EventFailure is a cycle that produced no distance.
	EventFailure
	// EventRejected is an outlier that kept the previous distance.
	EventRejected
)

func (t EventType) String() string {
	switch t {
	case EventMeasurement:
		return "measurement"
	case EventFailure:
		return "failure"
	case EventRejected:
		return "rejected"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted to subscribers on every Publish.
type Event struct {
	Type        EventType
	Measurement model.Measurement
}

// Board is an in-memory, thread-safe store of measurements.
type Board struct {
	mu sync.RWMutex

	latest map[core.NodeID]model.Measurement
	// lastValid is the most recent measurement that passed Valid, kept
	// separately so failed cycles don't hide it.
	lastValid map[core.NodeID]model.Measurement
	counts    map[core.NodeID]Counts

	subs   map[int]func(Event)
	nextID int
}

// Counts tallies publications for one node.
type Counts struct {
	Valid    uint64
	Failed   uint64
	Rejected uint64
}

// NewBoard constructs an empty board.
func NewBoard() *Board {
	return &Board{
		latest:    make(map[core.NodeID]model.Measurement),
		lastValid: make(map[core.NodeID]model.Measurement),
		counts:    make(map[core.NodeID]Counts),
		subs:      make(map[int]func(Event)),
	}
}

// Publish stores m as the node's latest result and notifies subscribers.
func (b *Board) Publish(m model.Measurement) {
	ev := Event{Type: classify(m), Measurement: m}

	b.mu.Lock()
	b.latest[m.Node] = m
	c := b.counts[m.Node]
	switch ev.Type {
	case EventMeasurement:
		c.Valid++
		b.lastValid[m.Node] = m
	case EventRejected:
		c.Rejected++
	default:
		c.Failed++
	}
	b.counts[m.Node] = c
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, fn := range subs {
		fn(ev)
	}
}

func classify(m model.Measurement) EventType {
	switch {
	case m.Rejected:
		return EventRejected
	case m.Valid():
		return EventMeasurement
	default:
		return EventFailure
	}
}

// Latest returns the last measurement published for node, valid or not.
func (b *Board) Latest(node core.NodeID) (model.Measurement, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.latest[node]
	return m, ok
}

// LastValid returns the last measurement for node that carried a fresh
// distance.
func (b *Board) LastValid(node core.NodeID) (model.Measurement, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.lastValid[node]
	return m, ok
}

// Counts returns the publication tally for node.
func (b *Board) Counts(node core.NodeID) Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[node]
}

// List returns a snapshot of the latest measurement of every node, ordered
// by node id.
func (b *Board) List() []model.Measurement {
	b.mu.RLock()
	defer b.mu.RUnlock()

	res := make([]model.Measurement, 0, len(b.latest))
	for _, m := range b.latest {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Node < res[j].Node })
	return res
}

// Subscribe registers a callback for board events. It returns an
// unsubscribe function.
func (b *Board) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
