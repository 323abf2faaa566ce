// Package ranging drives the two-way-ranging exchanges over a
// radio.Transceiver: single-sided and double-sided, initiator and
// responder, and the multi-anchor coordinator with its hub responder.
//
// Every exchange mutates the model.Node it is given and always hands it
// back in a well-defined state: on failure Distance is model.NoDistance,
// Error is set and the filter is untouched.
package ranging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/uwb-twr/core"
	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/internal/radio"
	"github.com/signalsfoundry/uwb-twr/model"
)

const tracerName = "github.com/signalsfoundry/uwb-twr/internal/ranging"

// MetricsRecorder receives exchange outcomes. observability.RangingCollector
// implements it.
type MetricsRecorder interface {
	ObserveExchange(variant, role, outcome string, elapsed time.Duration)
	ObserveDistance(node core.NodeID, raw, filtered float64)
	ObserveOutlier(node core.NodeID)
}

type noopRecorder struct{}

func (noopRecorder) ObserveExchange(string, string, string, time.Duration) {}
func (noopRecorder) ObserveDistance(core.NodeID, float64, float64)        {}
func (noopRecorder) ObserveOutlier(core.NodeID)                           {}

// Engine runs exchanges with a fixed set of timings.
type Engine struct {
	cfg     Config
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	// calcDouble is swapped in tests to observe when the double-sided
	// computation runs.
	calcDouble func(ts *core.TimestampSet, previous float64) (float64, bool)
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns an engine. Zero timing fields take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		log:        logging.Noop(),
		metrics:    noopRecorder{},
		tracer:     otel.Tracer(tracerName),
		calcDouble: core.CalcDistanceDouble,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective timings.
func (e *Engine) Config() Config { return e.cfg }

// NewNode returns a node whose filter uses the configured alpha.
func (e *Engine) NewNode(id core.NodeID, role model.Role, antennaDelay core.Tick) *model.Node {
	n := model.NewNode(id, role, antennaDelay)
	n.Filter = core.NewIIRFilter(e.cfg.FilterAlpha)
	return n
}

func (e *Engine) ticks(d time.Duration) uint64 { return core.TicksFromDuration(d) }

func (e *Engine) startSpan(ctx context.Context, name string, node *model.Node, variant model.Variant) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("twr.node", int(node.ID)),
		attribute.Int("twr.peer", int(node.Peer)),
		attribute.String("twr.variant", variant.String()),
		attribute.String("twr.role", node.Role.String()),
	))
}

// finish records the outcome of an exchange on the node's behalf: error
// code, metrics, log line and span status.
func (e *Engine) finish(ctx context.Context, span trace.Span, node *model.Node, variant model.Variant, start time.Time, err error) {
	out := outcome(err)
	e.metrics.ObserveExchange(variant.String(), node.Role.String(), out, time.Since(start))

	if err == nil {
		if node.Distance != model.NoDistance {
			span.SetAttributes(
				attribute.Float64("twr.distance_m", node.Distance),
				attribute.Float64("twr.filtered_m", node.FilteredDistance),
			)
		}
		span.SetStatus(codes.Ok, "")
		return
	}

	node.Fail(Classify(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, out)
	e.logFailure(ctx, node, variant, err)
}

func (e *Engine) logFailure(ctx context.Context, node *model.Node, variant model.Variant, err error) {
	log := logging.FromContext(ctx, e.log)
	fields := []logging.Field{
		logging.Int("node", int(node.ID)),
		logging.Int("peer", int(node.Peer)),
		logging.String("variant", variant.String()),
		logging.String("role", node.Role.String()),
		logging.Err(err),
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		fields = append(fields, logging.String("step", string(xe.Step)))
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug(ctx, "exchange canceled", fields...)
	case errors.Is(err, ErrCycleMissed):
		log.Warn(ctx, "ranging cycle missed", fields...)
	case errors.Is(err, ErrUnknownPeer):
		log.Warn(ctx, "frame from unknown peer answered with error frame", fields...)
	case errors.Is(err, ErrPeerSignaled):
		log.Warn(ctx, "peer signaled error", fields...)
	case errors.Is(err, radio.ErrTimeout):
		log.Warn(ctx, "receive timeout", fields...)
	case errors.Is(err, radio.ErrHardware):
		log.Error(ctx, "transceiver failure", fields...)
	default:
		log.Warn(ctx, "exchange failed", fields...)
	}
}

// accept stores a computed distance on the node and publishes it.
func (e *Engine) accept(node *model.Node, d float64) {
	node.Accept(d)
	e.metrics.ObserveDistance(node.ID, node.Distance, node.FilteredDistance)
}

// receiveMatching waits for a frame accepted by match, skipping anything
// else, within one overall timeout. A zero timeout waits until ctx is done.
func receiveMatching(ctx context.Context, r radio.Transceiver, timeout time.Duration, match func(radio.Reception) bool) (radio.Reception, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return radio.Reception{}, radio.ErrTimeout
			}
		}
		rx, err := r.Receive(ctx, remaining)
		if err != nil {
			return radio.Reception{}, err
		}
		if match(rx) {
			return rx, nil
		}
	}
}

// sendErrorFrame answers to with the error frame, best effort.
func (e *Engine) sendErrorFrame(ctx context.Context, r radio.Transceiver, to core.NodeID) {
	if _, err := r.Send(ctx, to, core.ErrorFrame(), nil); err != nil {
		logging.FromContext(ctx, e.log).Error(ctx, "error frame not sent",
			logging.Int("to", int(to)), logging.Err(err))
	}
}
