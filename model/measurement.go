package model

import (
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
)

// Measurement is the per-exchange result handed to callers. It is not
// persisted.
type Measurement struct {
	Node     core.NodeID
	Peer     core.NodeID
	Variant  Variant
	Distance float64
	Filtered float64
	Error    ErrorCode
	// Rejected is set when an outlier was discarded and Distance holds the
	// previous value.
	Rejected bool
	At       time.Time
}

// Valid reports whether the measurement carries a fresh distance that may
// be aggregated.
func (m Measurement) Valid() bool {
	return m.Error == ErrorNone && !m.Rejected && m.Distance != NoDistance
}
