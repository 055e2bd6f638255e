package wlan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/roaming-simulator/internal/sched"
	"github.com/signalsfoundry/roaming-simulator/model"
	"github.com/signalsfoundry/roaming-simulator/timectrl"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type positionFunc func(t time.Time) model.Point

func (f positionFunc) Position(_ string, t time.Time) (model.Point, error) {
	return f(t), nil
}

func at(x float64) positionFunc {
	return func(time.Time) model.Point { return model.Point{X: x} }
}

func twoAPs() []model.AccessPoint {
	return []model.AccessPoint{
		{ID: "ap1", Position: model.Point{X: 0}, TxPowerDbm: 20},
		{ID: "ap2", Position: model.Point{X: 30}, TxPowerDbm: 16},
	}
}

func newMedium(t *testing.T, pos PositionSource, cfg Config) (*Medium, *sched.Loop) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	clock := timectrl.NewTimeController(start, time.Millisecond, timectrl.Accelerated)
	loop := sched.NewLoop(clock)
	return NewMedium(loop, twoAPs(), pos, cfg), loop
}

func runUntil(t *testing.T, loop *sched.Loop, d time.Duration) {
	t.Helper()
	if err := loop.RunUntil(start.Add(d)); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
}

func TestMedium_InitialAssociationAfterDelay(t *testing.T) {
	m, loop := newMedium(t, at(2), DefaultConfig())
	m.Start("sta", start)

	runUntil(t, loop, 400*time.Millisecond)
	if _, ok := m.CurrentAssociation("sta"); ok {
		t.Fatalf("associated before AssocDelay elapsed")
	}

	runUntil(t, loop, 500*time.Millisecond)
	ap, ok := m.CurrentAssociation("sta")
	if !ok || ap != "ap1" {
		t.Fatalf("CurrentAssociation = %q, %v, want ap1", ap, ok)
	}
	if !m.Associated("sta", "ap1") || m.Associated("sta", "ap2") {
		t.Fatalf("Associated disagrees with CurrentAssociation")
	}
}

func TestMedium_ReassociationCompletesAfterScan(t *testing.T) {
	x := 2.0
	pos := positionFunc(func(time.Time) model.Point { return model.Point{X: x} })
	m, loop := newMedium(t, pos, DefaultConfig())
	m.Start("sta", start)
	runUntil(t, loop, time.Second)

	var changes []string
	m.OnAssociationChange(func(_, ap string) { changes = append(changes, ap) })

	x = 28
	if err := m.RequestReassociation(context.Background(), "sta"); err != nil {
		t.Fatalf("RequestReassociation: %v", err)
	}
	if ap, _ := m.CurrentAssociation("sta"); ap != "ap1" {
		t.Fatalf("association changed synchronously to %q", ap)
	}
	if err := m.RequestReassociation(context.Background(), "sta"); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("second request err = %v, want ErrScanInProgress", err)
	}

	runUntil(t, loop, time.Second+DefaultConfig().ScanDuration)
	if ap, _ := m.CurrentAssociation("sta"); ap != "ap2" {
		t.Fatalf("CurrentAssociation after scan = %q, want ap2", ap)
	}
	if m.Scanning("sta") {
		t.Fatalf("still scanning after ScanDuration")
	}
	if len(changes) != 1 || changes[0] != "ap2" {
		t.Fatalf("association changes = %v, want [ap2]", changes)
	}
}

func TestMedium_RequestErrors(t *testing.T) {
	m, loop := newMedium(t, at(2), DefaultConfig())
	ctx := context.Background()

	if err := m.RequestReassociation(ctx, "ghost"); !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("unknown station err = %v, want ErrUnknownStation", err)
	}

	m.Start("sta", start)
	runUntil(t, loop, time.Second)

	m.SetAvailable(false)
	if err := m.RequestReassociation(ctx, "sta"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unavailable err = %v, want ErrUnavailable", err)
	}
	m.SetAvailable(true)
	if err := m.RequestReassociation(ctx, "sta"); err != nil {
		t.Fatalf("request after recovery: %v", err)
	}
}

func TestMedium_LostRequestsAreSilent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestLossRate = 1
	m, loop := newMedium(t, at(2), cfg)
	m.Start("sta", start)
	runUntil(t, loop, time.Second)

	if err := m.RequestReassociation(context.Background(), "sta"); err != nil {
		t.Fatalf("lost request err = %v, want nil", err)
	}
	if m.Scanning("sta") {
		t.Fatalf("lost request started a scan")
	}
}

func TestMedium_BeaconLossDisassociatesAndRecovers(t *testing.T) {
	far := start.Add(2 * time.Second)
	back := start.Add(5 * time.Second)
	pos := positionFunc(func(now time.Time) model.Point {
		if !now.Before(far) && now.Before(back) {
			return model.Point{X: 500}
		}
		return model.Point{X: 5}
	})
	m, loop := newMedium(t, pos, DefaultConfig())
	m.Start("sta", start)

	runUntil(t, loop, 2800*time.Millisecond)
	if _, ok := m.CurrentAssociation("sta"); !ok {
		t.Fatalf("disassociated before %d missed beacons", DefaultConfig().MaxMissedBeacons)
	}

	runUntil(t, loop, 3500*time.Millisecond)
	if ap, ok := m.CurrentAssociation("sta"); ok {
		t.Fatalf("still associated to %q out of range", ap)
	}

	runUntil(t, loop, 6*time.Second)
	if ap, ok := m.CurrentAssociation("sta"); !ok || ap != "ap1" {
		t.Fatalf("CurrentAssociation after returning = %q, %v, want ap1", ap, ok)
	}
}

func TestMedium_ShadowingIsSeeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShadowingSigmaDb = 8
	cfg.MaxMissedBeacons = 0

	run := func() []string {
		m, loop := newMedium(t, at(16), cfg)
		m.Start("sta", start)
		var picks []string
		for i := 1; i <= 20; i++ {
			runUntil(t, loop, time.Duration(i)*time.Second)
			ap, _ := m.CurrentAssociation("sta")
			picks = append(picks, ap)
			if err := m.RequestReassociation(context.Background(), "sta"); err != nil {
				t.Fatalf("RequestReassociation: %v", err)
			}
		}
		return picks
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pick %d differs between runs with the same seed: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scan", func(c *Config) { c.ScanDuration = 0 }},
		{"negative delay", func(c *Config) { c.AssocDelay = -time.Second }},
		{"loss above one", func(c *Config) { c.RequestLossRate = 1.5 }},
		{"negative sigma", func(c *Config) { c.ShadowingSigmaDb = -1 }},
		{"monitor without interval", func(c *Config) { c.BeaconInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
