package core

import (
	"math"

	"github.com/signalsfoundry/roaming-simulator/model"
)

// Lerp returns the point a fraction frac of the way from a to b. frac is
// clamped to [0, 1].
func Lerp(a, b model.Point, frac float64) model.Point {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return model.Point{
		X: a.X + (b.X-a.X)*frac,
		Y: a.Y + (b.Y-a.Y)*frac,
		Z: a.Z + (b.Z-a.Z)*frac,
	}
}

// Midpoint returns the point halfway between a and b.
func Midpoint(a, b model.Point) model.Point {
	return Lerp(a, b, 0.5)
}

// EqualSignalPoint returns the point on the segment a→b where two
// transmitters at a and b, with powers txA and txB, are received with equal
// estimated level under m. For equal powers this is the midpoint.
func EqualSignalPoint(m PathLossModel, a model.Point, txA float64, b model.Point, txB float64) model.Point {
	d := a.DistanceTo(b)
	if d == 0 {
		return a
	}
	// txA - 10n log10(x) = txB - 10n log10(d - x)  =>  x/(d-x) = 10^((txA-txB)/(10n))
	n := m.Exponent
	if n <= 0 {
		n = DefaultPathLossExponent
	}
	r := math.Pow(10, (txA-txB)/(10*n))
	return Lerp(a, b, r/(1+r))
}
