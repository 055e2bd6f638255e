package core

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/roaming-simulator/model"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestStaticMotion_NoChange(t *testing.T) {
	m := &StaticMotion{Position: model.Point{X: 1, Y: 2, Z: 3}}
	for _, ts := range []time.Time{epoch, epoch.Add(time.Hour)} {
		if got := m.PositionAt(ts); got != (model.Point{X: 1, Y: 2, Z: 3}) {
			t.Fatalf("static motion moved to %#v", got)
		}
	}
}

func TestLinearMotion(t *testing.T) {
	m := &LinearMotion{
		Start:    model.Point{X: 2},
		Velocity: model.Point{X: 1},
		StartAt:  epoch.Add(5 * time.Second),
		StopAt:   epoch.Add(31 * time.Second),
	}

	cases := []struct {
		at   time.Duration
		want float64
	}{
		{0, 2},
		{5 * time.Second, 2},
		{6 * time.Second, 3},
		{15500 * time.Millisecond, 12.5},
		{31 * time.Second, 28},
		{40 * time.Second, 28},
	}
	for _, tc := range cases {
		got := m.PositionAt(epoch.Add(tc.at))
		if math.Abs(got.X-tc.want) > 1e-9 || got.Y != 0 {
			t.Errorf("PositionAt(+%v) = %#v, want x=%v", tc.at, got, tc.want)
		}
	}
}

func TestLinearMotionWithoutStop(t *testing.T) {
	m := &LinearMotion{Velocity: model.Point{Y: 2}, StartAt: epoch}
	if got := m.PositionAt(epoch.Add(100 * time.Second)); got.Y != 200 {
		t.Fatalf("PositionAt = %#v, want y=200", got)
	}
}

func TestOscillatingMotion(t *testing.T) {
	m := &OscillatingMotion{
		Center:    model.Point{X: 15},
		Amplitude: model.Point{X: 3},
		Period:    4 * time.Second,
		StartAt:   epoch,
	}

	if got := m.PositionAt(epoch); got.X != 15 {
		t.Fatalf("at start: %#v, want centre", got)
	}
	if got := m.PositionAt(epoch.Add(time.Second)); math.Abs(got.X-18) > 1e-9 {
		t.Fatalf("quarter period: %#v, want x=18", got)
	}
	if got := m.PositionAt(epoch.Add(3 * time.Second)); math.Abs(got.X-12) > 1e-9 {
		t.Fatalf("three quarters: %#v, want x=12", got)
	}
}

func TestLerpClamps(t *testing.T) {
	a := model.Point{X: 0}
	b := model.Point{X: 10}
	if got := Lerp(a, b, -1); got != a {
		t.Fatalf("Lerp(-1) = %#v, want a", got)
	}
	if got := Lerp(a, b, 2); got != b {
		t.Fatalf("Lerp(2) = %#v, want b", got)
	}
	if got := Midpoint(a, b); got.X != 5 {
		t.Fatalf("Midpoint = %#v, want x=5", got)
	}
}
