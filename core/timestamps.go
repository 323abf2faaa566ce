package core

// NodeID is the short address of a radio endpoint.
type NodeID uint16

const (
	// TagID is the distinguished id of the tag in double-sided schemes.
	TagID NodeID = 5
	// MaxAnchors is the number of anchor slots a report can carry.
	MaxAnchors = 3
)

// IsAnchor reports whether id is one of the configured anchor ids 1..3.
func (id NodeID) IsAnchor() bool { return id >= 1 && id <= MaxAnchors }

// TimestampSetSize is the number of ticks held per node.
const TimestampSetSize = 10

// Indices of the protocol timestamps. In a double-sided exchange T1, T4 and
// T5 are stamped by the responder's clock and T2, T3 and T6 by the
// initiator's clock. In a single-sided exchange T1 and T4 belong to the
// initiator and T2, T3 to the responder.
const (
	T1 = iota
	T2
	T3
	T4
	T5
	T6
)

// Responder-side layout. The responder keeps its timestamps in the order
// they are packed into the double-sided report: T1, then the arrival tick of
// each anchor's final frame in slot 1..3, then T5.
const (
	ReportT1     = 0
	ReportT5     = MaxAnchors + 1
	ReportFields = MaxAnchors + 2
)

// ResponderPollRx holds the responder's poll arrival. It is not reported.
const ResponderPollRx = ReportFields

// ReportSlot returns the report field that carries the T4 stamp for the
// given anchor id. The second return is false for ids outside 1..3.
func ReportSlot(id NodeID) (int, bool) {
	if !id.IsAnchor() {
		return 0, false
	}
	return int(id), true
}

// TimestampSet is the fixed store of protocol timestamps for one exchange.
type TimestampSet [TimestampSetSize]Tick

// Reset zeroes every entry.
func (ts *TimestampSet) Reset() { *ts = TimestampSet{} }

// HasSentinel reports whether any of the listed indices holds the sentinel.
func (ts *TimestampSet) HasSentinel(idx ...int) bool {
	for _, i := range idx {
		if ts[i].IsSentinel() {
			return true
		}
	}
	return false
}
