package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"

	"github.com/signalsfoundry/roaming-simulator/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := `
duration: 12s
station:
  id: robot
  motion:
    kind: oscillating
    start: {x: 15}
    amplitude: {x: 10}
    period: 8s
access_points:
  - id: a
    position: {x: 0}
    tx_power_dbm: 18
  - id: b
    position: {x: 15}
    tx_power_dbm: 18
  - id: c
    position: {x: 30}
    tx_power_dbm: 18
tunables:
  hysteresis_db: 3
  decision_tick: 300ms
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROAMSIM_TUNABLES_DWELL", "1500ms")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Duration != 12*time.Second {
		t.Fatalf("Duration = %v, want 12s", cfg.Duration)
	}
	if cfg.Station.ID != "robot" {
		t.Fatalf("Station.ID = %q, want robot", cfg.Station.ID)
	}
	if got := len(cfg.ResolvedAccessPoints()); got != 3 {
		t.Fatalf("access points = %d, want 3", got)
	}
	if cfg.Tunables.HysteresisDb != 3 || cfg.Tunables.DecisionTick != 300*time.Millisecond {
		t.Fatalf("tunables = %+v, want hyst 3 tick 300ms", cfg.Tunables)
	}
	if cfg.Tunables.Dwell != 1500*time.Millisecond {
		t.Fatalf("Dwell = %v, want env override 1.5s", cfg.Tunables.Dwell)
	}
	// Untouched keys keep their defaults.
	if cfg.Tunables.MinTriggerGap != 2*time.Second {
		t.Fatalf("MinTriggerGap = %v, want default 2s", cfg.Tunables.MinTriggerGap)
	}

	motion := cfg.ResolvedMotion()
	if motion.Kind != model.MotionOscillating || motion.Period != 8*time.Second {
		t.Fatalf("motion = %+v, want oscillating with 8s period", motion)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTracingFromEnv(t *testing.T) {
	t.Setenv("ROAMSIM_TRACING_ENABLED", "true")
	t.Setenv("ROAMSIM_TRACING_EXPORTER", "otlp")
	t.Setenv("ROAMSIM_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("ROAMSIM_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default().Tracing
	want.Enabled = true
	want.Exporter = "otlp"
	want.SampleRatio = 0.25
	want.Endpoint = "collector:4317"
	if diff := cmp.Diff(want, cfg.Tracing); diff != "" {
		t.Fatalf("tracing mismatch (-want +got):\n%s", diff)
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	v := New()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	if err := AddFlags(v, fs); err != nil {
		t.Fatalf("AddFlags: %v", err)
	}
	if err := fs.Parse([]string{"--ap-distance=40", "--roam-hyst-db=6", "--move-start=3s", "--ap2-tx-dbm=18"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scenario.APDistance != 40 || cfg.Tunables.HysteresisDb != 6 {
		t.Fatalf("scenario %+v hyst %v, want distance 40 hyst 6", cfg.Scenario, cfg.Tunables.HysteresisDb)
	}
	aps := cfg.ResolvedAccessPoints()
	if aps[1].Position.X != 40 {
		t.Fatalf("ap2 at %+v, want x=40", aps[1].Position)
	}
	if aps[0].TxPowerDbm != 20 || aps[1].TxPowerDbm != 18 {
		t.Fatalf("tx power ap1 %v ap2 %v, want 20 and 18", aps[0].TxPowerDbm, aps[1].TxPowerDbm)
	}
	if got := cfg.ServerPosition(); got != (model.Point{X: 20, Y: 1}) {
		t.Fatalf("server at %+v, want (20,1)", got)
	}
	if got := cfg.ResolvedMotion().StartAt; got != 3*time.Second {
		t.Fatalf("motion StartAt = %v, want 3s", got)
	}
	// Unset flags do not clobber defaults.
	if cfg.Tunables.Dwell != time.Second {
		t.Fatalf("Dwell = %v, want 1s", cfg.Tunables.Dwell)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	want := Default()
	want.AccessPoints = want.ResolvedAccessPoints()
	want.Tunables.DetectorPoll = 250 * time.Millisecond

	out, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "dwell: 1s") {
		t.Fatalf("durations not rendered as strings:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "roundtrip.yaml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvedMotionStopsBeforeRunEnd(t *testing.T) {
	cfg := Default()
	m := cfg.ResolvedMotion()
	// 5s + (30-4)/1 m/s = 31s, past the 30s run.
	if m.StopAt != 29900*time.Millisecond {
		t.Fatalf("StopAt = %v, want 29.9s", m.StopAt)
	}

	cfg.Scenario.StationSpeed = 2
	if got := cfg.ResolvedMotion().StopAt; got != 18*time.Second {
		t.Fatalf("StopAt = %v, want 18s", got)
	}

	epoch := time.Unix(0, 0).UTC()
	mm, err := cfg.ResolvedMotion().MotionModel(epoch)
	if err != nil {
		t.Fatalf("MotionModel: %v", err)
	}
	if got := mm.PositionAt(epoch.Add(time.Minute)); got != (model.Point{X: 28}) {
		t.Fatalf("final position = %+v, want x=28", got)
	}
}

func TestDetectorPollClampedWhenRoaming(t *testing.T) {
	tun := Default().Tunables
	if got := tun.Detector().PollPeriod; got != 200*time.Millisecond {
		t.Fatalf("poll = %v, want clamped 200ms", got)
	}
	tun.Roaming = false
	if got := tun.Detector().PollPeriod; got != 50*time.Millisecond {
		t.Fatalf("poll = %v, want 50ms", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"negative hysteresis", func(c *Config) { c.Tunables.HysteresisDb = -1 }},
		{"zero poll", func(c *Config) { c.Tunables.DetectorPoll = 0; c.Tunables.MinTick = 0 }},
		{"zero poll while roaming", func(c *Config) { c.Tunables.Roaming = true; c.Tunables.DetectorPoll = 0 }},
		{"negative poll while roaming", func(c *Config) { c.Tunables.Roaming = true; c.Tunables.DetectorPoll = -time.Second }},
		{"single ap", func(c *Config) {
			c.AccessPoints = []AccessPointConfig{{ID: "only"}}
		}},
		{"duplicate ap", func(c *Config) {
			c.AccessPoints = []AccessPointConfig{{ID: "a"}, {ID: "a"}}
		}},
		{"station id clash", func(c *Config) { c.Station.ID = "ap1" }},
		{"bad prefix", func(c *Config) { c.Network.WirelessPrefix = "10.1.0.0" }},
		{"overlapping prefixes", func(c *Config) { c.Network.BackbonePrefix = "10.1.0.128/25" }},
		{"unknown motion", func(c *Config) { c.Station.Motion.Kind = "teleport" }},
		{"loss rate", func(c *Config) { c.Radio.RequestLossRate = 2 }},
		{"negative start", func(c *Config) { c.Timing.DecisionStart = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
