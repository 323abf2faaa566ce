// core/scenario_loader.go
package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Ranging modes a scenario can run.
const (
	ModeSimple = "simple"
	ModeDouble = "double"
	ModeMulti  = "multi"
)

// Node roles in a scenario file.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// ErrInvalidScenario wraps every validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario describes one simulated ranging deployment: the radios, where
// they sit, how their clocks misbehave and the protocol timings.
type Scenario struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`

	// Cycles is the number of ranging cycles to run. 0 runs until stopped.
	Cycles int `yaml:"cycles"`
	// CycleInterval paces consecutive cycles.
	CycleInterval time.Duration `yaml:"cycle_interval"`
	// Seed drives the fault injection random source.
	Seed int64 `yaml:"seed"`

	Radio    RadioModel      `yaml:"radio"`
	Protocol ProtocolTimings `yaml:"protocol"`
	Nodes    []ScenarioNode  `yaml:"nodes"`
}

// ProtocolTimings overrides the default scheduling offsets and timeouts.
// Zero fields, and an unset FilterAlpha, keep the defaults.
type ProtocolTimings struct {
	SimpleReplyOffset time.Duration `yaml:"simple_reply_offset"`
	ResponseOffset    time.Duration `yaml:"response_offset"`
	ReportOffset      time.Duration `yaml:"report_offset"`
	Stride            time.Duration `yaml:"stride"`
	InitiatorTimeout  time.Duration `yaml:"initiator_timeout"`
	ResponderTimeout  time.Duration `yaml:"responder_timeout"`
	// FilterAlpha is optional so that an explicit 0 disables smoothing.
	FilterAlpha *float64 `yaml:"filter_alpha"`
}

// ScenarioNode is one radio endpoint.
type ScenarioNode struct {
	ID       NodeID `yaml:"id"`
	Role     string `yaml:"role"`
	Position Vec3   `yaml:"position"`
	// Velocity in metres per second moves the node linearly from Position.
	Velocity Vec3 `yaml:"velocity"`

	// ClockOffset is the counter value at simulation start.
	ClockOffset uint64 `yaml:"clock_offset"`
	// DriftPPB is the oscillator frequency error.
	DriftPPB int64 `yaml:"drift_ppb"`
	// AntennaDelay overrides the radio model calibration when non-zero.
	AntennaDelay Tick `yaml:"antenna_delay"`
	// DropRate is the probability that a frame sent by this node is lost.
	DropRate float64 `yaml:"drop_rate"`
}

// LoadScenario decodes a YAML scenario from r, fills defaults and
// validates it.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenarioFile reads and decodes the scenario at path.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// ApplyDefaults fills unset radio fields from the DW3000 model and
// normalises the mode and role strings.
func (s *Scenario) ApplyDefaults() {
	s.Mode = strings.ToLower(strings.TrimSpace(s.Mode))
	if s.Mode == "" {
		s.Mode = ModeDouble
	}

	def := DW3000()
	if s.Radio.ID == "" {
		s.Radio.ID = def.ID
		s.Radio.Name = def.Name
	}
	if s.Radio.Channel == 0 {
		s.Radio.Channel = def.Channel
	}
	if s.Radio.FrameAirtime == 0 {
		s.Radio.FrameAirtime = def.FrameAirtime
	}
	if s.Radio.MinTxLead == 0 {
		s.Radio.MinTxLead = def.MinTxLead
	}
	if s.Radio.Turnaround == 0 {
		s.Radio.Turnaround = def.Turnaround
	}
	if s.Radio.AntennaDelay == 0 {
		s.Radio.AntennaDelay = def.AntennaDelay
	}

	for i := range s.Nodes {
		n := &s.Nodes[i]
		n.Role = strings.ToLower(strings.TrimSpace(n.Role))
		if n.AntennaDelay == 0 {
			n.AntennaDelay = s.Radio.AntennaDelay
		}
	}
}

// Validate checks the node set against the mode.
func (s *Scenario) Validate() error {
	switch s.Mode {
	case ModeSimple, ModeDouble, ModeMulti:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidScenario, s.Mode)
	}
	if s.Cycles < 0 {
		return fmt.Errorf("%w: cycles must be >= 0", ErrInvalidScenario)
	}
	if a := s.Protocol.FilterAlpha; a != nil && (*a < 0 || *a >= 1) {
		return fmt.Errorf("%w: filter_alpha %v outside [0,1)", ErrInvalidScenario, *a)
	}

	seen := make(map[NodeID]bool, len(s.Nodes))
	var initiators, responders []ScenarioNode
	for _, n := range s.Nodes {
		if n.ID == 0 || n.ID == 0xFFFF {
			return fmt.Errorf("%w: node id %d is reserved", ErrInvalidScenario, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %d", ErrInvalidScenario, n.ID)
		}
		seen[n.ID] = true
		if n.DropRate < 0 || n.DropRate > 1 {
			return fmt.Errorf("%w: node %d drop_rate %v outside [0,1]", ErrInvalidScenario, n.ID, n.DropRate)
		}
		switch n.Role {
		case RoleInitiator:
			initiators = append(initiators, n)
		case RoleResponder:
			responders = append(responders, n)
		default:
			return fmt.Errorf("%w: node %d has unknown role %q", ErrInvalidScenario, n.ID, n.Role)
		}
	}

	if len(responders) != 1 {
		return fmt.Errorf("%w: need exactly one responder, got %d", ErrInvalidScenario, len(responders))
	}
	switch s.Mode {
	case ModeSimple, ModeDouble:
		if len(initiators) != 1 {
			return fmt.Errorf("%w: mode %s needs exactly one initiator, got %d", ErrInvalidScenario, s.Mode, len(initiators))
		}
	case ModeMulti:
		if len(initiators) == 0 || len(initiators) > MaxAnchors {
			return fmt.Errorf("%w: mode multi needs 1..%d initiators, got %d", ErrInvalidScenario, MaxAnchors, len(initiators))
		}
	}
	if s.Mode != ModeSimple {
		// Double-sided reports carry one slot per anchor id.
		for _, n := range initiators {
			if !n.ID.IsAnchor() {
				return fmt.Errorf("%w: initiator id %d must be in 1..%d", ErrInvalidScenario, n.ID, MaxAnchors)
			}
		}
	}
	return nil
}

// Responder returns the scenario's single responder node.
func (s *Scenario) Responder() ScenarioNode {
	for _, n := range s.Nodes {
		if n.Role == RoleResponder {
			return n
		}
	}
	return ScenarioNode{}
}

// Initiators returns the initiator nodes in file order.
func (s *Scenario) Initiators() []ScenarioNode {
	var out []ScenarioNode
	for _, n := range s.Nodes {
		if n.Role == RoleInitiator {
			out = append(out, n)
		}
	}
	return out
}
