package core

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/roaming-simulator/model"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPathLossAtReferenceDistance(t *testing.T) {
	m := DefaultPathLossModel()
	if got := m.PathLossDb(1.0); !almostEqual(got, DefaultReferenceLossDb) {
		t.Fatalf("PathLossDb(1m) = %v, want %v", got, DefaultReferenceLossDb)
	}
	// One decade further adds 10*n dB.
	if got, want := m.PathLossDb(10.0), DefaultReferenceLossDb+30; !almostEqual(got, want) {
		t.Fatalf("PathLossDb(10m) = %v, want %v", got, want)
	}
}

func TestEstimateRxDbm(t *testing.T) {
	m := DefaultPathLossModel()
	tx := model.Point{X: 0, Y: 0}
	rx := model.Point{X: 100, Y: 0}

	got := m.EstimateRxDbm(20, tx, rx)
	want := 20 - (DefaultReferenceLossDb + 60)
	if !almostEqual(got, want) {
		t.Fatalf("EstimateRxDbm = %v, want %v", got, want)
	}
}

func TestEstimateRxDbmFloorsDistance(t *testing.T) {
	m := DefaultPathLossModel()
	p := model.Point{X: 5, Y: 5}

	coLocated := m.EstimateRxDbm(20, p, p)
	atFloor := m.EstimateRxDbm(20, p, model.Point{X: 5 + DefaultMinDistanceM, Y: 5})
	if math.IsInf(coLocated, 0) || math.IsNaN(coLocated) {
		t.Fatalf("co-located estimate must be finite, got %v", coLocated)
	}
	if !almostEqual(coLocated, atFloor) {
		t.Fatalf("co-located estimate = %v, want floor value %v", coLocated, atFloor)
	}
}

func TestEstimateDecreasesWithDistance(t *testing.T) {
	m := DefaultPathLossModel()
	tx := model.Point{}
	prev := math.Inf(1)
	for _, d := range []float64{0.5, 1, 2, 5, 10, 30, 100} {
		got := m.EstimateRxDbm(16, tx, model.Point{X: d})
		if got >= prev {
			t.Fatalf("estimate at %vm = %v, not below previous %v", d, got, prev)
		}
		prev = got
	}
}

func TestZeroReferenceDistanceFallsBackToDefault(t *testing.T) {
	m := PathLossModel{Exponent: 2, ReferenceLossDb: 40}
	if got := m.PathLossDb(10); !almostEqual(got, 60) {
		t.Fatalf("PathLossDb = %v, want 60", got)
	}
}

func TestSample(t *testing.T) {
	m := DefaultPathLossModel()
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	ap := model.AccessPoint{ID: "ap1", Position: model.Point{}, TxPowerDbm: 20}

	s := m.Sample(ap, model.Point{X: 10}, now)
	if s.APID != "ap1" || !s.Time.Equal(now) {
		t.Fatalf("Sample = %+v, want ap1 at %v", s, now)
	}
	if want := 20 - (DefaultReferenceLossDb + 30); !almostEqual(s.EstimatedDbm, want) {
		t.Fatalf("Sample dBm = %v, want %v", s.EstimatedDbm, want)
	}
}

func TestEqualSignalPoint(t *testing.T) {
	m := DefaultPathLossModel()
	a := model.Point{X: 0}
	b := model.Point{X: 30}

	mid := EqualSignalPoint(m, a, 20, b, 20)
	if !almostEqual(mid.X, 15) {
		t.Fatalf("equal powers: crossing at %v, want 15", mid.X)
	}

	p := EqualSignalPoint(m, a, 20, b, 16)
	ra := m.EstimateRxDbm(20, a, p)
	rb := m.EstimateRxDbm(16, b, p)
	if math.Abs(ra-rb) > 1e-6 {
		t.Fatalf("levels at crossing differ: %v vs %v", ra, rb)
	}
	if p.X <= 15 {
		t.Fatalf("stronger AP at a should push crossing past midpoint, got %v", p.X)
	}
}
