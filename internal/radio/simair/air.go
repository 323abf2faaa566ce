// Package simair simulates a shared UWB channel. Every attached endpoint
// owns a free-running 40-bit counter with its own offset and drift, frames
// take the propagation delay implied by the endpoint positions, delayed
// transmissions are truncated the way the hardware register truncates
// them, and overlapping arrivals collide.
//
// Simulated time only advances through traffic: an endpoint's notion of
// "now" moves forward when it transmits or receives. Receive timeouts run
// on the wall clock.
package simair

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/timectrl"
)

const inboxSize = 64

// recentArrivals is how many arrivals per receiver are kept for the
// collision check.
const recentArrivals = 16

// ErrDuplicateAddress is returned by Attach for an address already on the
// air.
var ErrDuplicateAddress = errors.New("simair: address already attached")

// Frame is a transmission as seen by drop rules.
type Frame struct {
	From    core.NodeID
	To      core.NodeID
	Payload []byte
	// Departure is the global time the frame left the antenna.
	Departure int64
}

// DropRule decides whether a frame is lost before reaching receiver.
type DropRule func(f Frame, receiver core.NodeID) bool

// Metrics receives channel events.
type Metrics interface {
	RecordCollision()
	RecordDrop()
}

// Config configures an Air.
type Config struct {
	Radio   core.RadioModel
	Log     logging.Logger
	Metrics Metrics
	// Seed drives per-endpoint random drop rates.
	Seed int64
}

// Air is the shared channel.
type Air struct {
	mu sync.Mutex

	radio     core.RadioModel
	log       logging.Logger
	metrics   Metrics
	rng       *rand.Rand
	endpoints map[core.NodeID]*Endpoint
	rules     []DropRule

	collisions uint64
	drops      uint64
}

// New returns an empty channel.
func New(cfg Config) *Air {
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}
	rm := cfg.Radio
	if rm.ID == "" {
		rm = core.DW3000()
	}
	return &Air{
		radio:     rm,
		log:       log,
		metrics:   cfg.Metrics,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		endpoints: make(map[core.NodeID]*Endpoint),
	}
}

// EndpointConfig describes one device on the air.
type EndpointConfig struct {
	Address      core.NodeID
	Clock        timectrl.Oscillator
	Motion       core.MotionModel
	AntennaDelay core.Tick
	// DropRate is the probability that a frame sent by this endpoint is
	// lost at each receiver.
	DropRate float64
}

// Attach adds an endpoint to the channel.
func (a *Air) Attach(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Address == radio.Broadcast {
		return nil, fmt.Errorf("simair: cannot attach the broadcast address")
	}
	if cfg.Motion == nil {
		cfg.Motion = core.StaticMotion{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.endpoints[cfg.Address]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateAddress, cfg.Address)
	}
	ep := &Endpoint{
		air:   a,
		cfg:   cfg,
		inbox: make(chan delivery, inboxSize),
		done:  make(chan struct{}),
	}
	a.endpoints[cfg.Address] = ep
	return ep, nil
}

// AddDropRule installs a rule consulted for every delivery.
func (a *Air) AddDropRule(r DropRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, r)
}

// Collisions returns the number of frames lost to overlap.
func (a *Air) Collisions() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collisions
}

// Drops returns the number of frames lost to drop rules, drop rates or
// full inboxes.
func (a *Air) Drops() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drops
}

func (a *Air) detach(addr core.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.endpoints, addr)
}

// airtimeTicks is the frame duration in global ticks.
func (a *Air) airtimeTicks() int64 {
	return int64(core.TicksFromDuration(a.radio.FrameAirtime))
}

func elapsedAt(g int64) time.Duration {
	return time.Duration(core.TicksToSeconds(float64(g)) * float64(time.Second))
}

// deliver hands a frame that left src at departure to every accepting
// endpoint.
func (a *Air) deliver(ctx context.Context, src *Endpoint, f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	srcPos := src.cfg.Motion.PositionAt(elapsedAt(f.Departure))
	airtime := a.airtimeTicks()

	for addr, dst := range a.endpoints {
		if addr == f.From || !radio.Accepts(addr, f.To) {
			continue
		}
		dstPos := dst.cfg.Motion.PositionAt(elapsedAt(f.Departure))
		dist := srcPos.DistanceTo(dstPos)
		if !a.radio.InRange(dist) {
			continue
		}
		if a.dropped(f, src, addr) {
			a.drops++
			a.recordDrop()
			a.log.Debug(ctx, "simair: frame dropped",
				logging.Int("from", int(f.From)), logging.Int("to", int(addr)))
			continue
		}

		arrival := f.Departure + int64(math.Round(core.FlightTicks(srcPos, dstPos)))
		if dst.collides(arrival, airtime) {
			a.collisions++
			if a.metrics != nil {
				a.metrics.RecordCollision()
			}
			a.log.Warn(ctx, "simair: frame collision",
				logging.Int("from", int(f.From)), logging.Int("receiver", int(addr)))
			continue
		}
		dst.noteArrival(arrival)

		rx := radio.Reception{
			Payload: append([]byte(nil), f.Payload...),
			From:    f.From,
			To:      f.To,
			RxTick:  dst.cfg.Clock.LocalAt(arrival),
		}
		select {
		case dst.inbox <- delivery{rx: rx, arrival: arrival}:
		default:
			a.drops++
			a.recordDrop()
			a.log.Warn(ctx, "simair: inbox full", logging.Int("receiver", int(addr)))
		}
	}
}

func (a *Air) dropped(f Frame, src *Endpoint, receiver core.NodeID) bool {
	for _, r := range a.rules {
		if r(f, receiver) {
			return true
		}
	}
	return src.cfg.DropRate > 0 && a.rng.Float64() < src.cfg.DropRate
}

func (a *Air) recordDrop() {
	if a.metrics != nil {
		a.metrics.RecordDrop()
	}
}
