package ranging

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/model"
)

var (
	// ErrPeerSignaled means the peer placed the sentinel in a timestamp
	// field or sent the error frame.
	ErrPeerSignaled = errors.New("ranging: peer signaled error")
	// ErrUnknownPeer means a frame arrived from an address outside the
	// configured peer set. The sender has been answered with the error
	// frame.
	ErrUnknownPeer = errors.New("ranging: unknown peer")
	// ErrMalformed means a peer payload was too short to carry the
	// expected fields.
	ErrMalformed = errors.New("ranging: malformed payload")
	// ErrCycleMissed means the coordinator abandoned a whole multi-anchor
	// cycle.
	ErrCycleMissed = errors.New("ranging: cycle missed")
	// ErrInvalidNode is returned before any exchange when a node cannot
	// take part in the requested variant.
	ErrInvalidNode = errors.New("ranging: invalid node")
)

// Step names a protocol phase.
type Step string

const (
	StepPoll     Step = "poll"
	StepReply    Step = "reply"
	StepResponse Step = "response"
	StepFinal    Step = "final"
	StepReport   Step = "report"
)

// ExchangeError records where an exchange failed and with whom.
type ExchangeError struct {
	Step Step
	Peer core.NodeID
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Peer == 0 {
		return fmt.Sprintf("ranging %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("ranging %s with node %d: %v", e.Step, e.Peer, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func stepError(step Step, peer core.NodeID, err error) error {
	return &ExchangeError{Step: step, Peer: peer, Err: err}
}

// Classify maps an exchange error to the node error code.
func Classify(err error) model.ErrorCode {
	switch {
	case err == nil:
		return model.ErrorNone
	case errors.Is(err, ErrCycleMissed):
		return model.ErrorMissed
	case errors.Is(err, ErrUnknownPeer):
		return model.ErrorUnknownPeer
	case errors.Is(err, ErrPeerSignaled):
		return model.ErrorPeerSignaled
	default:
		return model.ErrorLocal
	}
}

// outcome is the metrics label for an exchange result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCycleMissed):
		return "missed"
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrPeerSignaled):
		return "peer_error"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, radio.ErrTimeout):
		return "timeout"
	case errors.Is(err, radio.ErrHardware):
		return "hardware"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
