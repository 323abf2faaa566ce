package simair

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
)

type delivery struct {
	rx      radio.Reception
	arrival int64
}

// Endpoint is one device on the air. It implements radio.Transceiver.
type Endpoint struct {
	air *Air
	cfg EndpointConfig

	inbox chan delivery

	mu        sync.Mutex
	present   int64
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	// arrivals is guarded by air.mu.
	arrivals []int64
}

var _ radio.Transceiver = (*Endpoint)(nil)

func (e *Endpoint) Address() core.NodeID { return e.cfg.Address }

// Now returns the endpoint's current counter reading.
func (e *Endpoint) Now() core.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clock.LocalAt(e.present)
}

// Advance moves the endpoint's notion of the present forward by d of
// global time. It models idle time between cycles.
func (e *Endpoint) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.present += int64(core.TicksFromDuration(d))
}

// Send transmits a frame. Delayed sends whose truncated transmit time is
// already behind the counter, or closer than the radio's minimum lead, fail
// with radio.ErrLateTransmit and nothing goes on air.
func (e *Endpoint) Send(ctx context.Context, to core.NodeID, payload []byte, at *core.Tick) (core.Tick, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, radio.ErrClosed
	}
	clock := e.cfg.Clock
	var departure int64
	var stamp core.Tick
	if at == nil {
		departure = e.present + int64(core.TicksFromDuration(e.air.radio.Turnaround))
		stamp = clock.LocalAt(departure)
	} else {
		q := at.Quantize()
		g0, lead := clock.NextGlobal(e.present, q)
		minLead := core.TicksFromDuration(e.air.radio.MinTxLead)
		if lead > core.TickModulus/2 || lead < minLead {
			e.mu.Unlock()
			return 0, radio.ErrLateTransmit
		}
		stamp = q.Add(uint64(e.cfg.AntennaDelay))
		departure = g0 + clock.GlobalSpan(uint64(e.cfg.AntennaDelay))
	}
	e.present = departure
	e.mu.Unlock()

	e.air.deliver(ctx, e, Frame{
		From:      e.cfg.Address,
		To:        to,
		Payload:   payload,
		Departure: departure,
	})
	return stamp, nil
}

// Receive waits for the next accepted frame.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) (radio.Reception, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case d := <-e.inbox:
		e.mu.Lock()
		if d.arrival > e.present {
			e.present = d.arrival
		}
		e.mu.Unlock()
		return d.rx, nil
	case <-expired:
		return radio.Reception{}, radio.ErrTimeout
	case <-e.done:
		return radio.Reception{}, radio.ErrClosed
	case <-ctx.Done():
		return radio.Reception{}, ctx.Err()
	}
}

// Close detaches the endpoint. Pending and future calls fail with
// radio.ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.air.detach(e.cfg.Address)
	})
	return nil
}

// collides reports whether a frame arriving at arrival overlaps a frame
// already delivered. Called with air.mu held.
func (e *Endpoint) collides(arrival, airtime int64) bool {
	for _, prev := range e.arrivals {
		d := arrival - prev
		if d < 0 {
			d = -d
		}
		if d < airtime {
			return true
		}
	}
	return false
}

// noteArrival records an accepted arrival. Called with air.mu held.
func (e *Endpoint) noteArrival(arrival int64) {
	e.arrivals = append(e.arrivals, arrival)
	if len(e.arrivals) > recentArrivals {
		e.arrivals = e.arrivals[len(e.arrivals)-recentArrivals:]
	}
}
