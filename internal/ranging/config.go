package ranging

import (
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
)

// Config holds the protocol timings. Offsets are forward distances on the
// scheduling node's own counter; timeouts run on the wall clock.
type Config struct {
	// SimpleReplyOffset separates the single-sided poll arrival from the
	// reply.
	SimpleReplyOffset time.Duration
	// ResponseOffset separates the double-sided poll arrival from the
	// first response.
	ResponseOffset time.Duration
	// ReportOffset separates the last final arrival from the report in a
	// single-anchor exchange.
	ReportOffset time.Duration
	// MultiReportOffset is ReportOffset when several anchors share the
	// exchange.
	MultiReportOffset time.Duration
	// Stride staggers the final frames of consecutive anchor ids.
	Stride time.Duration

	// InitiatorTimeout bounds each receive of a single-anchor initiator.
	InitiatorTimeout time.Duration
	// MultiTimeout bounds each concurrent receive of the coordinator.
	MultiTimeout time.Duration
	// ResponderTimeout bounds each responder receive. 0 waits until the
	// context is done.
	ResponderTimeout time.Duration

	// FilterAlpha is applied to nodes created by the engine's helpers.
	// Zero disables smoothing; values outside [0,1) fall back to the
	// default.
	FilterAlpha float64
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		SimpleReplyOffset: 10 * time.Millisecond,
		ResponseOffset:    5 * time.Millisecond,
		ReportOffset:      15 * time.Millisecond,
		MultiReportOffset: 100 * time.Millisecond,
		Stride:            50 * time.Millisecond,
		InitiatorTimeout:  100 * time.Millisecond,
		MultiTimeout:      500 * time.Millisecond,
		ResponderTimeout:  5 * time.Second,
		FilterAlpha:       core.DefaultAlpha,
	}
}

// withDefaults fills zero fields from DefaultConfig. ResponderTimeout is
// left alone since zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SimpleReplyOffset <= 0 {
		c.SimpleReplyOffset = d.SimpleReplyOffset
	}
	if c.ResponseOffset <= 0 {
		c.ResponseOffset = d.ResponseOffset
	}
	if c.ReportOffset <= 0 {
		c.ReportOffset = d.ReportOffset
	}
	if c.MultiReportOffset <= 0 {
		c.MultiReportOffset = d.MultiReportOffset
	}
	if c.Stride <= 0 {
		c.Stride = d.Stride
	}
	if c.InitiatorTimeout <= 0 {
		c.InitiatorTimeout = d.InitiatorTimeout
	}
	if c.MultiTimeout <= 0 {
		c.MultiTimeout = d.MultiTimeout
	}
	if c.ResponderTimeout < 0 {
		c.ResponderTimeout = d.ResponderTimeout
	}
	if c.FilterAlpha < 0 || c.FilterAlpha >= 1 {
		c.FilterAlpha = d.FilterAlpha
	}
	return c
}

// FromScenario overlays the non-zero scenario timings on the defaults.
func FromScenario(p core.ProtocolTimings) Config {
	c := DefaultConfig()
	if p.SimpleReplyOffset > 0 {
		c.SimpleReplyOffset = p.SimpleReplyOffset
	}
	if p.ResponseOffset > 0 {
		c.ResponseOffset = p.ResponseOffset
	}
	if p.ReportOffset > 0 {
		c.ReportOffset = p.ReportOffset
		c.MultiReportOffset = p.ReportOffset
	}
	if p.Stride > 0 {
		c.Stride = p.Stride
	}
	if p.InitiatorTimeout > 0 {
		c.InitiatorTimeout = p.InitiatorTimeout
		c.MultiTimeout = p.InitiatorTimeout
	}
	if p.ResponderTimeout > 0 {
		c.ResponderTimeout = p.ResponderTimeout
	}
	if p.FilterAlpha != nil {
		c.FilterAlpha = *p.FilterAlpha
	}
	return c
}
