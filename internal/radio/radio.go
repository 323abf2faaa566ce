// Package radio defines the transceiver capability the ranging engine is
// written against. Backends (hardware drivers, the simulated air, test
// fakes) implement Transceiver; the protocol code never sees anything more
// concrete.
package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
)

// Broadcast is the destination address every endpoint accepts.
const Broadcast core.NodeID = 0xFFFF

var (
	// ErrTimeout is returned when no frame arrives before the deadline.
	ErrTimeout = errors.New("radio: receive timeout")
	// ErrHardware covers transceiver failures other than a timeout.
	ErrHardware = errors.New("radio: hardware error")
	// ErrLateTransmit means the requested delayed transmit time had already
	// passed when the send was issued.
	ErrLateTransmit = fmt.Errorf("%w: delayed transmit time already passed", ErrHardware)
	// ErrClosed is returned by a transceiver that was shut down.
	ErrClosed = errors.New("radio: transceiver closed")
)

// Reception is one received frame with its hardware arrival timestamp.
type Reception struct {
	Payload []byte
	From    core.NodeID
	To      core.NodeID
	RxTick  core.Tick
}

// Transceiver sends and receives opaque payloads and reports hardware
// timestamps.
type Transceiver interface {
	// Address returns the endpoint's own short address.
	Address() core.NodeID

	// Send transmits payload to the given address. A nil at sends
	// immediately; otherwise the frame leaves at the delayed transmit tick
	// at, truncated to the register granularity. The returned tick is the
	// frame's transmit timestamp including the antenna delay.
	Send(ctx context.Context, to core.NodeID, payload []byte, at *core.Tick) (core.Tick, error)

	// Receive blocks for the next frame addressed to this endpoint or to
	// Broadcast. A zero timeout waits until ctx is done.
	Receive(ctx context.Context, timeout time.Duration) (Reception, error)
}

// At returns a pointer to t for use as a delayed transmit time.
func At(t core.Tick) *core.Tick { return &t }

// Accepts reports whether an endpoint with address self takes a frame sent
// to dst. It mirrors the hardware frame filter.
func Accepts(self, dst core.NodeID) bool {
	return dst == Broadcast || dst == self
}
