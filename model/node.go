package model

import (
	"time"

	"github.com/signalsfoundry/uwb-twr/core"
)

// NoDistance marks a distance that was not produced this cycle.
const NoDistance = -1.0

// Role is the part a node plays in an exchange.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
	// RoleAnchor is one branch of a multi-anchor exchange.
	RoleAnchor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	case RoleAnchor:
		return "anchor"
	default:
		return "unknown"
	}
}

// Variant identifies the ranging scheme.
type Variant int

const (
	VariantSimple Variant = iota
	VariantDouble
	VariantMulti
)

func (v Variant) String() string {
	switch v {
	case VariantSimple:
		return "simple"
	case VariantDouble:
		return "double"
	case VariantMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// ErrorCode is the outcome of a node's last exchange.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	// ErrorPeerSignaled: the peer placed the sentinel in its payload.
	ErrorPeerSignaled
	// ErrorLocal: receive timeout or transceiver failure on this side.
	ErrorLocal
	// ErrorUnknownPeer: a frame arrived from an address outside the peer set.
	ErrorUnknownPeer
	// ErrorMissed: the coordinator abandoned the whole cycle.
	ErrorMissed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorPeerSignaled:
		return "peer_signaled"
	case ErrorLocal:
		return "local"
	case ErrorUnknownPeer:
		return "unknown_peer"
	case ErrorMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// Node is one logical radio endpoint. The exchange driving it mutates it in
// place and hands it back to the caller whatever the outcome, so ranging
// resumes from the returned node on the next cycle.
type Node struct {
	ID           core.NodeID
	Role         Role
	AntennaDelay core.Tick
	// Peer is the node this one ranges with.
	Peer core.NodeID

	Timestamps core.TimestampSet
	Error      ErrorCode

	// Distance is the raw distance of the last cycle, NoDistance after a
	// failure.
	Distance float64
	// LastDistance is the last accepted raw distance. Failed cycles do not
	// clear it.
	LastDistance             float64
	FilteredDistance         float64
	PreviousFilteredDistance float64
	Filter                   core.IIRFilter
}

// NewNode returns a node with no history.
func NewNode(id core.NodeID, role Role, antennaDelay core.Tick) *Node {
	return &Node{
		ID:                       id,
		Role:                     role,
		AntennaDelay:             antennaDelay,
		Distance:                 NoDistance,
		LastDistance:             NoDistance,
		FilteredDistance:         NoDistance,
		PreviousFilteredDistance: NoDistance,
		Filter:                   core.NewIIRFilter(core.DefaultAlpha),
	}
}

// BeginCycle clears the per-exchange state. Distances and filter state
// carry over.
func (n *Node) BeginCycle() {
	n.Timestamps.Reset()
	n.Error = ErrorNone
}

// Fail records a failed cycle. The filter is left untouched.
func (n *Node) Fail(code ErrorCode) {
	n.Error = code
	n.Distance = NoDistance
}

// Accept records a valid raw distance and advances the filter.
func (n *Node) Accept(raw float64) {
	n.Error = ErrorNone
	n.Distance = raw
	n.LastDistance = raw
	n.PreviousFilteredDistance = n.FilteredDistance
	n.FilteredDistance = n.Filter.Update(raw)
}

// KeepPrevious records a rejected outlier: the distance keeps whatever
// the previous cycle left, NoDistance after a failure, and the filter does
// not move.
func (n *Node) KeepPrevious() {
	n.Error = ErrorNone
}

// Measurement snapshots the outcome of the last cycle.
func (n *Node) Measurement(v Variant) Measurement {
	return Measurement{
		Node:     n.ID,
		Peer:     n.Peer,
		Variant:  v,
		Distance: n.Distance,
		Filtered: n.FilteredDistance,
		Error:    n.Error,
		At:       time.Now(),
	}
}
