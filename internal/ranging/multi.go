package ranging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/model"
)

// Link pairs an anchor node with the transceiver that serves it. Each
// branch of a multi-anchor cycle owns its link exclusively.
type Link struct {
	Node  *model.Node
	Radio radio.Transceiver
}

// Coordinator ranges a set of anchors against one hub responder in a
// single double-sided cycle.
type Coordinator struct {
	engine *Engine
	links  []Link
}

// NewCoordinator validates the links: 1..3 of them, each with a radio and
// a distinct anchor id.
func NewCoordinator(e *Engine, links ...Link) (*Coordinator, error) {
	if len(links) == 0 || len(links) > core.MaxAnchors {
		return nil, fmt.Errorf("%w: coordinator needs 1..%d links, got %d", ErrInvalidNode, core.MaxAnchors, len(links))
	}
	seen := make(map[core.NodeID]bool, len(links))
	for _, l := range links {
		if l.Node == nil || l.Radio == nil {
			return nil, fmt.Errorf("%w: link without node or radio", ErrInvalidNode)
		}
		if !l.Node.ID.IsAnchor() || seen[l.Node.ID] {
			return nil, fmt.Errorf("%w: anchor id %d invalid or repeated", ErrInvalidNode, l.Node.ID)
		}
		seen[l.Node.ID] = true
		l.Node.Role = model.RoleAnchor
	}
	return &Coordinator{engine: e, links: links}, nil
}

// Links returns the coordinator's links.
func (c *Coordinator) Links() []Link { return c.links }

// Nodes returns the anchor nodes in link order.
func (c *Coordinator) Nodes() []*model.Node {
	out := make([]*model.Node, len(c.links))
	for i, l := range c.links {
		out[i] = l.Node
	}
	return out
}

// Range runs one multi-anchor cycle and returns one measurement per link.
//
// The poll leaves through the first link. Responses are awaited on every
// link at once and all of them must arrive: otherwise every node is marked
// missed and the error wraps ErrCycleMissed. Finals go out one link at a
// time, each staggered by its id. Reports are again awaited concurrently;
// from here on a failure only affects its own node and the errors are
// joined.
func (c *Coordinator) Range(ctx context.Context) ([]model.Measurement, error) {
	e := c.engine
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "ranging.Coordinator.Range")
	span.SetAttributes(attribute.Int("twr.anchors", len(c.links)))
	defer span.End()

	for _, l := range c.links {
		l.Node.BeginCycle()
	}

	if _, err := c.links[0].Radio.Send(ctx, radio.Broadcast, nil, nil); err != nil {
		return c.miss(ctx, start, stepError(StepPoll, c.links[0].Node.Peer, err))
	}

	respErrs := fanOut(ctx, len(c.links), func(ctx context.Context, i int) error {
		l := c.links[i]
		return e.awaitResponse(ctx, l.Node, l.Radio, e.cfg.MultiTimeout)
	})
	if err := errors.Join(respErrs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "missed")
		return c.miss(ctx, start, err)
	}

	finalErrs := make([]error, len(c.links))
	for i, l := range c.links {
		finalErrs[i] = e.sendFinal(ctx, l.Node, l.Radio)
	}

	reportErrs := fanOut(ctx, len(c.links), func(ctx context.Context, i int) error {
		if finalErrs[i] != nil {
			return finalErrs[i]
		}
		l := c.links[i]
		return e.awaitReport(ctx, l.Node, l.Radio, e.cfg.MultiTimeout)
	})

	out := make([]model.Measurement, len(c.links))
	for i, l := range c.links {
		var rejected bool
		if reportErrs[i] == nil {
			rejected = e.computeDouble(ctx, l.Node)
		}
		_, nodeSpan := e.startSpan(ctx, "ranging.Coordinator.anchor", l.Node, model.VariantMulti)
		e.finish(ctx, nodeSpan, l.Node, model.VariantMulti, start, reportErrs[i])
		nodeSpan.End()
		out[i] = l.Node.Measurement(model.VariantMulti)
		out[i].Rejected = rejected
	}

	err := errors.Join(reportErrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out, err
}

// miss marks every node missed and reports the cycle as lost.
func (c *Coordinator) miss(ctx context.Context, start time.Time, cause error) ([]model.Measurement, error) {
	e := c.engine
	err := fmt.Errorf("%w: %w", ErrCycleMissed, cause)

	out := make([]model.Measurement, len(c.links))
	for i, l := range c.links {
		l.Node.Fail(model.ErrorMissed)
		e.metrics.ObserveExchange(model.VariantMulti.String(), l.Node.Role.String(), outcome(err), time.Since(start))
		out[i] = l.Node.Measurement(model.VariantMulti)
	}
	logging.FromContext(ctx, e.log).Warn(ctx, "ranging cycle missed",
		logging.Int("anchors", len(c.links)), logging.Err(cause))
	return out, err
}

// RespondMulti serves one multi-anchor cycle: it waits for finals from
// every member of peers, tracking them in a completion mask (bit 1, 2, 4
// for ids 1, 2, 3). If the responder timeout elapses with some finals
// heard, the report still goes out with the missing slots set to the
// sentinel, and the timeout is returned.
func (e *Engine) RespondMulti(ctx context.Context, node *model.Node, r radio.Transceiver, peers PeerSet) error {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "ranging.RespondMulti", node, model.VariantMulti)
	defer span.End()

	node.BeginCycle()
	err := e.respond(ctx, node, r, peers, true)
	e.finish(ctx, span, node, model.VariantMulti, start, err)
	return err
}

// fanOut runs fn for every index concurrently and waits for all of them.
// A failing branch never cancels its siblings; each is bounded by its own
// timeout.
func fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
