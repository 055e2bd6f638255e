package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/roaming-simulator/model"
)

// Defaults for the log-distance estimator. The reference loss is the
// free-space loss at 1 m for 5.18 GHz.
const (
	DefaultPathLossExponent   = 3.0
	DefaultReferenceDistanceM = 1.0
	DefaultReferenceLossDb    = 46.6777
	DefaultMinDistanceM       = 0.1
)

// PathLossModel is a deterministic log-distance propagation model used to
// estimate received signal levels. It has no shadowing or fading; those
// belong to the radio, not to the estimator.
type PathLossModel struct {
	Exponent           float64 `mapstructure:"exponent" yaml:"exponent"`
	ReferenceDistanceM float64 `mapstructure:"reference_distance_m" yaml:"reference_distance_m"`
	ReferenceLossDb    float64 `mapstructure:"reference_loss_db" yaml:"reference_loss_db"`

	// MinDistanceM floors the transmitter/receiver distance so that
	// co-located nodes do not hit the log10(0) singularity. 0 = default.
	MinDistanceM float64 `mapstructure:"min_distance_m" yaml:"min_distance_m"`
}

// DefaultPathLossModel returns the estimator with default parameters.
func DefaultPathLossModel() PathLossModel {
	return PathLossModel{
		Exponent:           DefaultPathLossExponent,
		ReferenceDistanceM: DefaultReferenceDistanceM,
		ReferenceLossDb:    DefaultReferenceLossDb,
		MinDistanceM:       DefaultMinDistanceM,
	}
}

// PathLossDb returns the loss in dB over distanceM metres.
func (m PathLossModel) PathLossDb(distanceM float64) float64 {
	floor := m.MinDistanceM
	if floor <= 0 {
		floor = DefaultMinDistanceM
	}
	ref := m.ReferenceDistanceM
	if ref <= 0 {
		ref = DefaultReferenceDistanceM
	}
	d := distanceM
	if d < floor || math.IsNaN(d) {
		d = floor
	}
	return m.ReferenceLossDb + 10*m.Exponent*math.Log10(d/ref)
}

// EstimateRxDbm returns the estimated received level at rx for a transmitter
// at tx radiating txPowerDbm.
func (m PathLossModel) EstimateRxDbm(txPowerDbm float64, tx, rx model.Point) float64 {
	return txPowerDbm - m.PathLossDb(tx.DistanceTo(rx))
}

// Sample estimates the level received at rx from ap and stamps it with t.
func (m PathLossModel) Sample(ap model.AccessPoint, rx model.Point, t time.Time) model.SignalSample {
	return model.SignalSample{
		APID:         ap.ID,
		EstimatedDbm: m.EstimateRxDbm(ap.TxPowerDbm, ap.Position, rx),
		Time:         t,
	}
}
