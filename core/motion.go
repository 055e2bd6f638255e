package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/roaming-simulator/model"
)

// MotionModel yields a node's position at a given simulation time.
type MotionModel interface {
	PositionAt(simTime time.Time) model.Point
}

// StaticMotion keeps a node at a fixed position.
type StaticMotion struct {
	Position model.Point
}

// PositionAt for static motion always returns the fixed position.
func (m *StaticMotion) PositionAt(time.Time) model.Point {
	return m.Position
}

// LinearMotion holds Start until StartAt, then moves at Velocity (m/s) until
// StopAt. A zero StopAt means the node never stops.
type LinearMotion struct {
	Start    model.Point
	Velocity model.Point
	StartAt  time.Time
	StopAt   time.Time
}

// PositionAt integrates the constant velocity over the active interval.
func (m *LinearMotion) PositionAt(simTime time.Time) model.Point {
	if !simTime.After(m.StartAt) {
		return m.Start
	}
	end := simTime
	if !m.StopAt.IsZero() && end.After(m.StopAt) {
		end = m.StopAt
	}
	elapsed := end.Sub(m.StartAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return m.Start.Add(m.Velocity.Scale(elapsed))
}

// OscillatingMotion swings a node sinusoidally around Center. Amplitude is
// the peak displacement vector; Period is one full cycle.
type OscillatingMotion struct {
	Center    model.Point
	Amplitude model.Point
	Period    time.Duration
	StartAt   time.Time
}

// PositionAt returns Center + Amplitude*sin(2πt/Period), measured from StartAt.
func (m *OscillatingMotion) PositionAt(simTime time.Time) model.Point {
	if m.Period <= 0 || !simTime.After(m.StartAt) {
		return m.Center
	}
	phase := 2 * math.Pi * simTime.Sub(m.StartAt).Seconds() / m.Period.Seconds()
	return m.Center.Add(m.Amplitude.Scale(math.Sin(phase)))
}
