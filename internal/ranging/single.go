package ranging

import (
	"context"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/model"
)

// simpleReplySize is the single-sided reply: T2 and T3.
const simpleReplySize = 2 * core.FieldSize

// InitiateSimple runs one single-sided exchange with node.Peer. T1 is the
// poll's transmit stamp, T2 and T3 come from the reply payload and T4 is
// the reply's arrival.
func (e *Engine) InitiateSimple(ctx context.Context, node *model.Node, r radio.Transceiver) (model.Measurement, error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "ranging.InitiateSimple", node, model.VariantSimple)
	defer span.End()

	node.BeginCycle()
	err := e.initiateSimple(ctx, node, r)
	e.finish(ctx, span, node, model.VariantSimple, start, err)
	return node.Measurement(model.VariantSimple), err
}

func (e *Engine) initiateSimple(ctx context.Context, node *model.Node, r radio.Transceiver) error {
	ts := &node.Timestamps

	t1, err := r.Send(ctx, node.Peer, nil, nil)
	if err != nil {
		return stepError(StepPoll, node.Peer, err)
	}
	ts[core.T1] = t1

	rx, err := receiveMatching(ctx, r, e.cfg.InitiatorTimeout, func(rx radio.Reception) bool {
		return rx.From == node.Peer && len(rx.Payload) > 0
	})
	if err != nil {
		return stepError(StepReply, node.Peer, err)
	}
	if core.IsErrorPayload(rx.Payload) {
		return stepError(StepReply, node.Peer, ErrPeerSignaled)
	}
	if len(rx.Payload) < simpleReplySize {
		return stepError(StepReply, node.Peer, ErrMalformed)
	}

	fields := core.DecodeTicks(rx.Payload)
	ts[core.T2] = core.Field(fields, 0)
	ts[core.T3] = core.Field(fields, 1)
	ts[core.T4] = rx.RxTick
	if ts.HasSentinel(core.T2, core.T3) {
		return stepError(StepReply, node.Peer, ErrPeerSignaled)
	}

	e.accept(node, core.CalcDistanceSimple(ts))
	return nil
}

// RespondSimple answers one single-sided poll. The reply leaves
// SimpleReplyOffset after the poll arrival and carries that arrival (T2)
// and its own transmit stamp (T3). When node.Peer is set, polls from any
// other address are answered with the error frame.
func (e *Engine) RespondSimple(ctx context.Context, node *model.Node, r radio.Transceiver) error {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "ranging.RespondSimple", node, model.VariantSimple)
	defer span.End()

	node.BeginCycle()
	err := e.respondSimple(ctx, node, r)
	e.finish(ctx, span, node, model.VariantSimple, start, err)
	return err
}

func (e *Engine) respondSimple(ctx context.Context, node *model.Node, r radio.Transceiver) error {
	ts := &node.Timestamps

	rx, err := r.Receive(ctx, e.cfg.ResponderTimeout)
	if err != nil {
		return stepError(StepPoll, node.Peer, err)
	}
	if node.Peer != 0 && rx.From != node.Peer {
		e.sendErrorFrame(ctx, r, rx.From)
		return stepError(StepPoll, rx.From, ErrUnknownPeer)
	}
	ts[core.T2] = rx.RxTick

	txAt, t3 := core.ReplyTime(rx.RxTick, e.ticks(e.cfg.SimpleReplyOffset), node.AntennaDelay)
	ts[core.T3] = t3
	payload := core.EncodeTicks(ts[core.T2], ts[core.T3])
	if _, err := r.Send(ctx, rx.From, payload, radio.At(txAt)); err != nil {
		e.sendErrorFrame(ctx, r, rx.From)
		return stepError(StepReply, rx.From, err)
	}
	return nil
}
