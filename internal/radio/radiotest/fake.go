// Package radiotest provides a scripted in-memory transceiver for unit
// tests of the ranging engine.
package radiotest

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
)

// Sent is one frame passed to Send.
type Sent struct {
	To      core.NodeID
	Payload []byte
	At      *core.Tick
	Stamp   core.Tick
}

type rxStep struct {
	rx  radio.Reception
	err error
}

// Fake replays queued receptions and records every send. Receive on an
// empty queue fails with radio.ErrTimeout when a timeout is given and
// blocks until ctx is done otherwise.
type Fake struct {
	mu sync.Mutex

	addr         core.NodeID
	antennaDelay core.Tick
	txTick       core.Tick

	rx      []rxStep
	sendErr []error
	sent    []Sent

	// OnSend, if set, runs after a frame is recorded. Tests use it to
	// queue the peer's reaction.
	OnSend func(f *Fake, s Sent)
}

// New returns a fake transceiver with the given address.
func New(addr core.NodeID) *Fake {
	return &Fake{addr: addr, antennaDelay: core.DefaultAntennaDelay}
}

func (f *Fake) Address() core.NodeID { return f.addr }

// SetAntennaDelay sets the delay added to delayed transmit stamps.
func (f *Fake) SetAntennaDelay(d core.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.antennaDelay = d
}

// SetTxTick sets the stamp returned for immediate sends.
func (f *Fake) SetTxTick(t core.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txTick = t
}

// QueueReception appends a frame for Receive to return.
func (f *Fake) QueueReception(rx radio.Reception) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rx.Payload = append([]byte(nil), rx.Payload...)
	f.rx = append(f.rx, rxStep{rx: rx})
}

// QueueReceiveError appends an error for Receive to return.
func (f *Fake) QueueReceiveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, rxStep{err: err})
}

// QueueSendError makes the next Send fail with err.
func (f *Fake) QueueSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = append(f.sendErr, err)
}

// SentFrames returns a copy of the send log.
func (f *Fake) SentFrames() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *Fake) Send(ctx context.Context, to core.NodeID, payload []byte, at *core.Tick) (core.Tick, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	if len(f.sendErr) > 0 {
		err := f.sendErr[0]
		f.sendErr = f.sendErr[1:]
		f.mu.Unlock()
		return 0, err
	}

	s := Sent{To: to, Payload: append([]byte(nil), payload...)}
	if at != nil {
		v := *at
		s.At = &v
		s.Stamp = v.Quantize().Add(uint64(f.antennaDelay))
	} else {
		s.Stamp = f.txTick
	}
	f.sent = append(f.sent, s)
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(f, s)
	}
	return s.Stamp, nil
}

func (f *Fake) Receive(ctx context.Context, timeout time.Duration) (radio.Reception, error) {
	f.mu.Lock()
	if len(f.rx) > 0 {
		step := f.rx[0]
		f.rx = f.rx[1:]
		f.mu.Unlock()
		return step.rx, step.err
	}
	f.mu.Unlock()

	if timeout > 0 {
		return radio.Reception{}, radio.ErrTimeout
	}
	<-ctx.Done()
	return radio.Reception{}, ctx.Err()
}
