package core

import "time"

// Channel is a UWB channel number (5 and 9 on the DW3000).
type Channel int

// RadioModel describes the timing characteristics of a family of UWB
// transceivers. The simulated air uses it to decide reachability, on-air
// overlap and late scheduled transmissions.
type RadioModel struct {
	ID   string `yaml:"id" json:"ID"`
	Name string `yaml:"name" json:"Name"`

	Channel Channel `yaml:"channel" json:"Channel"`

	// MaxRangeM is the maximum range in metres at which a frame is still
	// received. 0 = unlimited.
	MaxRangeM float64 `yaml:"max_range_m,omitempty" json:"MaxRangeM,omitempty"`

	// FrameAirtime is how long one frame occupies the channel. Two frames
	// whose arrivals at a receiver are closer than this collide.
	FrameAirtime time.Duration `yaml:"frame_airtime,omitempty" json:"FrameAirtime,omitempty"`

	// MinTxLead is the smallest gap between "now" and a delayed transmit
	// time the radio can still honour. Scheduling closer than this fails
	// as a late transmission.
	MinTxLead time.Duration `yaml:"min_tx_lead,omitempty" json:"MinTxLead,omitempty"`

	// Turnaround is the delay before an immediate transmission leaves the
	// antenna.
	Turnaround time.Duration `yaml:"turnaround,omitempty" json:"Turnaround,omitempty"`

	// AntennaDelay is the factory calibration offset, in ticks.
	AntennaDelay Tick `yaml:"antenna_delay,omitempty" json:"AntennaDelay,omitempty"`
}

// DefaultAntennaDelay is the TX antenna delay used when none is calibrated.
const DefaultAntennaDelay Tick = 16500

// DW3000 returns the model of the reference transceiver.
func DW3000() RadioModel {
	return RadioModel{
		ID:           "dw3000",
		Name:         "Qorvo DW3000",
		Channel:      5,
		MaxRangeM:    200,
		FrameAirtime: 180 * time.Microsecond,
		MinTxLead:    100 * time.Microsecond,
		Turnaround:   20 * time.Microsecond,
		AntennaDelay: DefaultAntennaDelay,
	}
}

// IsCompatible returns true if both radios share a channel.
func (rm *RadioModel) IsCompatible(other *RadioModel) bool {
	return rm.Channel == other.Channel
}

// InRange reports whether a receiver at distance m metres can hear the
// transmitter.
func (rm *RadioModel) InRange(m float64) bool {
	return rm.MaxRangeM <= 0 || m <= rm.MaxRangeM
}
