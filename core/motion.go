package core

import "time"

// MotionModel gives a node's position at a point of simulated time.
type MotionModel interface {
	PositionAt(elapsed time.Duration) Vec3
}

// StaticMotion keeps a node at a fixed position.
type StaticMotion struct {
	Position Vec3
}

// PositionAt returns the fixed position.
func (m StaticMotion) PositionAt(time.Duration) Vec3 { return m.Position }

// LinearMotion moves a node from Start at a constant velocity in metres per
// second.
type LinearMotion struct {
	Start    Vec3
	Velocity Vec3
}

// PositionAt returns Start + Velocity*elapsed.
func (m LinearMotion) PositionAt(elapsed time.Duration) Vec3 {
	s := elapsed.Seconds()
	return Vec3{
		X: m.Start.X + m.Velocity.X*s,
		Y: m.Start.Y + m.Velocity.Y*s,
		Z: m.Start.Z + m.Velocity.Z*s,
	}
}

// NewMotionModel chooses the motion model for a scenario node: linear when
// a velocity is configured, otherwise static.
func NewMotionModel(n ScenarioNode) MotionModel {
	if n.Velocity != (Vec3{}) {
		return LinearMotion{Start: n.Position, Velocity: n.Velocity}
	}
	return StaticMotion{Position: n.Position}
}
