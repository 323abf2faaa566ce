package ranging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/model"
)

// Double-sided exchange, one responder and one or more anchors:
//
//	POLL      anchor -> broadcast, empty
//	RESPONSE  responder -> broadcast, empty, ResponseOffset after the poll.
//	          Its transmit stamp is T1, each anchor's arrival is T2.
//	FINAL     anchor -> responder, empty, id*Stride after T2. Its
//	          transmit stamp is T3, the responder's arrival is T4.
//	REPORT    responder -> broadcast, ReportOffset after the last T4,
//	          payload [T1, T4 of id 1, T4 of id 2, T4 of id 3, T5].
//	          Each anchor's arrival is T6.
//
// T1, T4 and T5 are read on the responder's counter, T2, T3 and T6 on the
// anchor's. Report slots with no final carry the sentinel.

const reportSize = core.ReportFields * core.FieldSize

// PeerSet is the closed set of anchor ids a responder serves.
type PeerSet struct {
	ids map[core.NodeID]struct{}
}

// NewPeerSet returns a set of the given ids. Only anchor ids 1..3 have a
// report slot; a poll from any other member is refused with the error
// frame.
func NewPeerSet(ids ...core.NodeID) PeerSet {
	p := PeerSet{ids: make(map[core.NodeID]struct{}, len(ids))}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	return p
}

// Contains reports whether id is a known peer.
func (p PeerSet) Contains(id core.NodeID) bool {
	_, ok := p.ids[id]
	return ok
}

// IDs returns the members in ascending order.
func (p PeerSet) IDs() []core.NodeID {
	out := make([]core.NodeID, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mask returns the completion mask with every anchor member set.
func (p PeerSet) Mask() uint8 {
	var m uint8
	for id := range p.ids {
		m |= peerBit(id)
	}
	return m
}

// peerBit is 1, 2 or 4 for anchor ids 1, 2 and 3 and 0 otherwise.
func peerBit(id core.NodeID) uint8 {
	if !id.IsAnchor() {
		return 0
	}
	return 1 << (id - 1)
}

// InitiateDouble runs one double-sided exchange against node.Peer and, on
// success, the outlier check and the filter.
func (e *Engine) InitiateDouble(ctx context.Context, node *model.Node, r radio.Transceiver) (model.Measurement, error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "ranging.InitiateDouble", node, model.VariantDouble)
	defer span.End()

	node.BeginCycle()
	rejected, err := e.initiateDouble(ctx, node, r)
	e.finish(ctx, span, node, model.VariantDouble, start, err)

	m := node.Measurement(model.VariantDouble)
	m.Rejected = rejected
	return m, err
}

func (e *Engine) initiateDouble(ctx context.Context, node *model.Node, r radio.Transceiver) (bool, error) {
	if !node.ID.IsAnchor() {
		return false, fmt.Errorf("%w: double-sided id %d outside 1..%d", ErrInvalidNode, node.ID, core.MaxAnchors)
	}
	if _, err := r.Send(ctx, radio.Broadcast, nil, nil); err != nil {
		return false, stepError(StepPoll, node.Peer, err)
	}
	timeout := e.cfg.InitiatorTimeout
	if err := e.awaitResponse(ctx, node, r, timeout); err != nil {
		return false, err
	}
	if err := e.sendFinal(ctx, node, r); err != nil {
		return false, err
	}
	if err := e.awaitReport(ctx, node, r, timeout); err != nil {
		return false, err
	}
	return e.computeDouble(ctx, node), nil
}

// awaitResponse stores the arrival of the responder's first reply as T2.
// Frames from other senders and non-empty frames are skipped.
func (e *Engine) awaitResponse(ctx context.Context, node *model.Node, r radio.Transceiver, timeout time.Duration) error {
	rx, err := receiveMatching(ctx, r, timeout, func(rx radio.Reception) bool {
		return rx.From == node.Peer && (len(rx.Payload) == 0 || core.IsErrorPayload(rx.Payload))
	})
	if err != nil {
		return stepError(StepResponse, node.Peer, err)
	}
	if core.IsErrorPayload(rx.Payload) {
		return stepError(StepResponse, node.Peer, ErrPeerSignaled)
	}
	node.Timestamps[core.T2] = rx.RxTick
	return nil
}

// sendFinal schedules the final frame id*Stride after T2 and stores its
// transmit stamp as T3.
func (e *Engine) sendFinal(ctx context.Context, node *model.Node, r radio.Transceiver) error {
	txAt, _ := core.CalcDelaySend(node.Timestamps[core.T2], node.ID, node.AntennaDelay, e.ticks(e.cfg.Stride))
	t3, err := r.Send(ctx, node.Peer, nil, radio.At(txAt))
	if err != nil {
		return stepError(StepFinal, node.Peer, err)
	}
	node.Timestamps[core.T3] = t3
	return nil
}

// awaitReport reads T1, this anchor's T4 and T5 out of the report and
// stores its arrival as T6. A report too short for every slot is
// malformed.
func (e *Engine) awaitReport(ctx context.Context, node *model.Node, r radio.Transceiver, timeout time.Duration) error {
	rx, err := receiveMatching(ctx, r, timeout, func(rx radio.Reception) bool {
		return rx.From == node.Peer && len(rx.Payload) > 0
	})
	if err != nil {
		return stepError(StepReport, node.Peer, err)
	}
	if core.IsErrorPayload(rx.Payload) {
		return stepError(StepReport, node.Peer, ErrPeerSignaled)
	}
	if len(rx.Payload) < reportSize {
		return stepError(StepReport, node.Peer, ErrMalformed)
	}

	slot, _ := core.ReportSlot(node.ID)
	fields := core.DecodeTicks(rx.Payload)
	ts := &node.Timestamps
	ts[core.T1] = core.Field(fields, core.ReportT1)
	ts[core.T4] = core.Field(fields, slot)
	ts[core.T5] = core.Field(fields, core.ReportT5)
	ts[core.T6] = rx.RxTick
	if ts.HasSentinel(core.T1, core.T4, core.T5) {
		return stepError(StepReport, node.Peer, ErrPeerSignaled)
	}
	return nil
}

// computeDouble turns a complete timestamp set into a distance. It
// reports whether the result was rejected as an outlier.
func (e *Engine) computeDouble(ctx context.Context, node *model.Node) bool {
	d, ok := e.calcDouble(&node.Timestamps, node.Distance)
	if !ok {
		node.KeepPrevious()
		e.metrics.ObserveOutlier(node.ID)
		logging.FromContext(ctx, e.log).Warn(ctx, "implausible distance discarded",
			logging.Int("node", int(node.ID)),
			logging.Float("kept_m", node.Distance))
		return true
	}
	e.accept(node, d)
	return false
}

// RespondDouble serves one double-sided exchange for a single anchor from
// peers.
func (e *Engine) RespondDouble(ctx context.Context, node *model.Node, r radio.Transceiver, peers PeerSet) error {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "ranging.RespondDouble", node, model.VariantDouble)
	defer span.End()

	node.BeginCycle()
	err := e.respond(ctx, node, r, peers, false)
	e.finish(ctx, span, node, model.VariantDouble, start, err)
	return err
}

// respond runs the responder side. With all set it waits for a final from
// every peer in the set, otherwise only from the poll's sender.
func (e *Engine) respond(ctx context.Context, node *model.Node, r radio.Transceiver, peers PeerSet, all bool) error {
	poll, err := e.awaitPoll(ctx, node, r, peers)
	if err != nil {
		return err
	}

	reportOffset := e.cfg.ReportOffset
	if all {
		reportOffset = e.cfg.MultiReportOffset
	}

	for {
		if peerBit(poll.From) == 0 {
			e.sendErrorFrame(ctx, r, poll.From)
			return stepError(StepPoll, poll.From, ErrInvalidNode)
		}

		ts := &node.Timestamps
		ts.Reset()
		for i := core.ReportT1 + 1; i < core.ReportT5; i++ {
			ts[i] = core.SentinelTick
		}
		ts[core.ResponderPollRx] = poll.RxTick
		node.Peer = poll.From

		// A single hub answers every anchor, so the response takes a fixed
		// offset instead of the per-id stride.
		txAt, _ := core.ReplyTime(poll.RxTick, e.ticks(e.cfg.ResponseOffset), node.AntennaDelay)
		t1, err := r.Send(ctx, radio.Broadcast, nil, radio.At(txAt))
		if err != nil {
			e.sendErrorFrame(ctx, r, radio.Broadcast)
			return stepError(StepResponse, poll.From, err)
		}
		ts[core.ReportT1] = t1

		want := peerBit(poll.From)
		if all {
			want = peers.Mask()
		}
		next, mask, latest, collectErr := e.collectFinals(ctx, node, r, peers, want)
		if next != nil {
			logging.FromContext(ctx, e.log).Warn(ctx, "new poll before finals completed; restarting",
				logging.Int("node", int(node.ID)),
				logging.Int("from", int(next.From)),
				logging.Int("mask", int(mask)))
			poll = *next
			continue
		}
		if mask == 0 {
			return collectErr
		}

		if err := e.sendReport(ctx, node, r, latest, reportOffset); err != nil {
			return err
		}
		return collectErr
	}
}

// awaitPoll waits for a poll, skipping stray frames from known peers. A
// frame from outside peers is answered with the error frame.
func (e *Engine) awaitPoll(ctx context.Context, node *model.Node, r radio.Transceiver, peers PeerSet) (radio.Reception, error) {
	rx, err := receiveMatching(ctx, r, e.cfg.ResponderTimeout, func(rx radio.Reception) bool {
		return !peers.Contains(rx.From) || isPoll(rx)
	})
	if err != nil {
		return radio.Reception{}, stepError(StepPoll, 0, err)
	}
	if !peers.Contains(rx.From) {
		e.sendErrorFrame(ctx, r, rx.From)
		return radio.Reception{}, stepError(StepPoll, rx.From, ErrUnknownPeer)
	}
	return rx, nil
}

// isPoll reports whether rx is a double-sided poll: empty and broadcast.
// Finals are empty too but addressed to the responder.
func isPoll(rx radio.Reception) bool {
	return rx.To == radio.Broadcast && len(rx.Payload) == 0
}

// collectFinals accumulates final arrivals into the report slots until the
// completion mask reaches want or the timeout elapses. A broadcast frame
// from a peer is a new poll and is returned as next.
func (e *Engine) collectFinals(ctx context.Context, node *model.Node, r radio.Transceiver, peers PeerSet, want uint8) (next *radio.Reception, mask uint8, latest core.Tick, err error) {
	timeout := e.cfg.ResponderTimeout
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	log := logging.FromContext(ctx, e.log)

	for mask != want {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, mask, latest, stepError(StepFinal, 0, radio.ErrTimeout)
			}
		}
		rx, rerr := r.Receive(ctx, remaining)
		if rerr != nil {
			return nil, mask, latest, stepError(StepFinal, 0, rerr)
		}
		if !peers.Contains(rx.From) {
			e.sendErrorFrame(ctx, r, rx.From)
			return nil, mask, latest, stepError(StepFinal, rx.From, ErrUnknownPeer)
		}
		if isPoll(rx) {
			return &rx, mask, latest, nil
		}
		if core.IsErrorPayload(rx.Payload) {
			return nil, mask, latest, stepError(StepFinal, rx.From, ErrPeerSignaled)
		}

		bit := peerBit(rx.From)
		if want&bit == 0 || mask&bit != 0 {
			log.Debug(ctx, "unexpected final skipped",
				logging.Int("node", int(node.ID)), logging.Int("from", int(rx.From)))
			continue
		}
		slot, _ := core.ReportSlot(rx.From)
		node.Timestamps[slot] = rx.RxTick
		if mask == 0 || rx.RxTick.After(latest) {
			latest = rx.RxTick
		}
		mask |= bit
	}
	return nil, mask, latest, nil
}

// sendReport broadcasts the timing block ReportOffset after latest. The
// block carries the report's own transmit stamp, so it is computed before
// sending.
func (e *Engine) sendReport(ctx context.Context, node *model.Node, r radio.Transceiver, latest core.Tick, offset time.Duration) error {
	ts := &node.Timestamps
	txAt, t5 := core.ReplyTime(latest, e.ticks(offset), node.AntennaDelay)
	ts[core.ReportT5] = t5

	payload := core.EncodeTicks(ts[:core.ReportFields]...)
	if _, err := r.Send(ctx, radio.Broadcast, payload, radio.At(txAt)); err != nil {
		e.sendErrorFrame(ctx, r, radio.Broadcast)
		return stepError(StepReport, 0, err)
	}
	return nil
}
