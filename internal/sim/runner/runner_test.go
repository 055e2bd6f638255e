package runner

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/roaming-simulator/internal/config"
	"github.com/signalsfoundry/roaming-simulator/model"
)

var (
	staAddr      = netip.MustParseAddr("10.1.0.1")
	ap2Local     = netip.MustParseAddr("10.1.0.3")
	ap2Backbone  = netip.MustParseAddr("10.2.0.2")
	backboneNet  = netip.MustParsePrefix("10.2.0.0/24")
	stationHost  = netip.PrefixFrom(staAddr, 32)
	secondsAfter = func(d time.Duration) time.Time { return DefaultEpoch.Add(d) }
)

func run(t *testing.T, cfg config.Config, opts ...Option) Result {
	t.Helper()
	r, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func nextHop(t *testing.T, res Result, node string, dest netip.Prefix) netip.Addr {
	t.Helper()
	for _, r := range res.Routes[node] {
		if r.Destination == dest {
			return r.NextHop
		}
	}
	t.Fatalf("%s has no route to %s; routes: %v", node, dest, res.Routes[node])
	return netip.Addr{}
}

func staticAt(x float64) config.MotionConfig {
	return config.MotionConfig{Kind: model.MotionStatic, Start: model.Point{X: x}}
}

// Station walks from ap1 towards ap2 and roams exactly once, one dwell
// after crossing the hysteresis point.
func TestLinearWalkRoamsOnce(t *testing.T) {
	res := run(t, config.Default())

	want := []model.RoamEvent{
		{Time: secondsAfter(600 * time.Millisecond), Kind: model.RoamKindInitial, StationID: "sta", To: "ap1"},
		{Time: secondsAfter(23800 * time.Millisecond), Kind: model.RoamKindRoam, StationID: "sta", From: "ap1", To: "ap2"},
	}
	if diff := cmp.Diff(want, res.Roams); diff != "" {
		t.Fatalf("roam events mismatch (-want +got):\n%s", diff)
	}
	if len(res.Triggers) != 1 {
		t.Fatalf("triggers = %d, want 1: %+v", len(res.Triggers), res.Triggers)
	}
	trig := res.Triggers[0]
	if trig.Time != secondsAfter(23600*time.Millisecond) || trig.ServingAP != "ap1" || trig.TargetAP != "ap2" {
		t.Fatalf("trigger = %+v, want ap1->ap2 at 23.6s", trig)
	}
	if diff := trig.TargetDbm - trig.ServingDbm; diff <= 4 {
		t.Fatalf("trigger margin %.2f dB, want > 4", diff)
	}
	if res.FirstRoam != 23800*time.Millisecond {
		t.Fatalf("FirstRoam = %v, want 23.8s", res.FirstRoam)
	}
	if res.Serving != "ap2" {
		t.Fatalf("Serving = %q, want ap2", res.Serving)
	}
	if res.End != secondsAfter(30*time.Second) {
		t.Fatalf("End = %v, want epoch+30s", res.End)
	}
}

// After ap1 -> ap2 both the server and ap1 send towards ap2's backbone
// address and the downlink actually reaches the station.
func TestRoutesFollowServingAP(t *testing.T) {
	res := run(t, config.Default())

	if got := nextHop(t, res, "sta", backboneNet); got != ap2Local {
		t.Fatalf("station next hop = %s, want %s", got, ap2Local)
	}
	if got := nextHop(t, res, ServerID, stationHost); got != ap2Backbone {
		t.Fatalf("server next hop = %s, want %s", got, ap2Backbone)
	}
	if got := nextHop(t, res, "ap1", stationHost); got != ap2Backbone {
		t.Fatalf("ap1 bridge next hop = %s, want %s", got, ap2Backbone)
	}
	for _, r := range res.Routes["ap2"] {
		if r.Destination == stationHost {
			t.Fatalf("serving AP carries a bridging route %s", r)
		}
	}

	if res.DownlinkErr != nil {
		t.Fatalf("downlink: %v", res.DownlinkErr)
	}
	if diff := cmp.Diff([]string{ServerID, "ap2", "sta"}, res.Downlink); diff != "" {
		t.Fatalf("downlink path mismatch (-want +got):\n%s", diff)
	}
}

// Oscillating around the crossover must not produce triggers closer than
// the minimum gap, however often the preference flips.
func TestOscillationRespectsMinimumGap(t *testing.T) {
	cfg := config.Default()
	cfg.Duration = 40 * time.Second
	cfg.Station.Motion = config.MotionConfig{
		Kind:      model.MotionOscillating,
		Start:     model.Point{X: 17},
		Amplitude: model.Point{X: 6},
		Period:    6 * time.Second,
	}

	res := run(t, cfg)

	if len(res.Triggers) < 2 {
		t.Fatalf("triggers = %d, want the oscillation to flip preference repeatedly", len(res.Triggers))
	}
	for i := 1; i < len(res.Triggers); i++ {
		if gap := res.Triggers[i].Time.Sub(res.Triggers[i-1].Time); gap < cfg.Tunables.MinTriggerGap {
			t.Fatalf("triggers %d and %d only %v apart", i-1, i, gap)
		}
	}
	for _, ev := range res.Roams {
		if ev.From == ev.To {
			t.Fatalf("event with from == to: %+v", ev)
		}
	}
}

func TestStationaryStationNeverRoams(t *testing.T) {
	cfg := config.Default()
	cfg.Station.Motion = staticAt(2)

	res := run(t, cfg)

	if len(res.Roams) != 1 || res.Roams[0].Kind != model.RoamKindInitial || res.Roams[0].To != "ap1" {
		t.Fatalf("roams = %+v, want only INIT to ap1", res.Roams)
	}
	if len(res.Triggers) != 0 {
		t.Fatalf("triggers = %+v, want none", res.Triggers)
	}
	if res.FirstRoam != -1 {
		t.Fatalf("FirstRoam = %v, want -1", res.FirstRoam)
	}
}

func TestNoTriggersBeforeAssociation(t *testing.T) {
	cfg := config.Default()
	cfg.Duration = 10 * time.Second
	cfg.Station.Motion = staticAt(2)
	cfg.Timing.AssocStart = 3 * time.Second

	res := run(t, cfg)

	if len(res.Triggers) != 0 {
		t.Fatalf("triggers = %+v, want none", res.Triggers)
	}
	want := []model.RoamEvent{
		{Time: secondsAfter(3600 * time.Millisecond), Kind: model.RoamKindInitial, StationID: "sta", To: "ap1"},
	}
	if diff := cmp.Diff(want, res.Roams); diff != "" {
		t.Fatalf("roam events mismatch (-want +got):\n%s", diff)
	}
}

func TestRoamingDisabledKeepsFirstAP(t *testing.T) {
	cfg := config.Default()
	cfg.Tunables.Roaming = false

	res := run(t, cfg)

	if len(res.Triggers) != 0 || res.RoamCount() != 0 {
		t.Fatalf("triggers %d roams %d, want none", len(res.Triggers), res.RoamCount())
	}
	// Without the engine the detector keeps its unclamped 50ms poll.
	if got := res.Roams[0].Time; got != secondsAfter(500*time.Millisecond) {
		t.Fatalf("INIT at %v, want 500ms", got.Sub(DefaultEpoch))
	}
}

func TestThreeAccessPointsBridgeEverywhere(t *testing.T) {
	cfg := config.Default()
	cfg.Duration = 60 * time.Second
	cfg.AccessPoints = []config.AccessPointConfig{
		{ID: "ap1", Position: model.Point{X: 0}, TxPowerDbm: 20},
		{ID: "ap2", Position: model.Point{X: 30}, TxPowerDbm: 20},
		{ID: "ap3", Position: model.Point{X: 60}, TxPowerDbm: 20},
	}
	cfg.Station.Motion = config.MotionConfig{
		Kind:     model.MotionLinear,
		Start:    model.Point{X: 2},
		Velocity: model.Point{X: 1},
		StartAt:  2 * time.Second,
		StopAt:   58 * time.Second,
	}

	res := run(t, cfg)

	if res.Serving != "ap3" {
		t.Fatalf("Serving = %q, want ap3 (roams: %+v)", res.Serving, res.Roams)
	}
	ap3Backbone := netip.MustParseAddr("10.2.0.3")
	for _, node := range []string{ServerID, "ap1", "ap2"} {
		if got := nextHop(t, res, node, stationHost); got != ap3Backbone {
			t.Fatalf("%s next hop = %s, want %s", node, got, ap3Backbone)
		}
	}
	if diff := cmp.Diff([]string{ServerID, "ap3", "sta"}, res.Downlink); diff != "" {
		t.Fatalf("downlink path mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Dir = dir

	res := run(t, cfg)
	cfg.Output.Tag = "run2"
	run(t, cfg)

	events, err := os.ReadFile(filepath.Join(dir, "roaming_events_run1.csv"))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	want := "time_s,type,ap\n0.600,INIT,ap1\n23.800,ROAM,ap2\n"
	if diff := cmp.Diff(want, string(events)); diff != "" {
		t.Fatalf("events file mismatch (-want +got):\n%s", diff)
	}

	summary, err := os.ReadFile(filepath.Join(dir, "roaming_summary.csv"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(summary)), "\n")
	if len(lines) != 3 {
		t.Fatalf("summary has %d lines, want header + 2:\n%s", len(lines), summary)
	}
	if !strings.HasPrefix(lines[1], "30,1,5,1,1,1,23.800,") {
		t.Fatalf("summary row = %q", lines[1])
	}
	if res.MeanServingDbm >= 0 || res.MeanServingDbm < -100 {
		t.Fatalf("MeanServingDbm = %v, want a plausible negative level", res.MeanServingDbm)
	}
}

func TestRunOnlyOnce(t *testing.T) {
	r, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run = %v, want ErrAlreadyRun", err)
	}
}

func TestRunStopsPeriodicTasks(t *testing.T) {
	cfg := config.Default()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ticks, samples := r.engine.Ticks(), r.sampler.Runs()

	if err := r.loop.RunUntil(r.epoch.Add(cfg.Duration + 5*time.Second)); err != nil {
		t.Fatalf("RunUntil past end: %v", err)
	}
	if got := r.engine.Ticks(); got != ticks {
		t.Fatalf("engine ticks after run = %d, want %d", got, ticks)
	}
	if got := r.sampler.Runs(); got != samples {
		t.Fatalf("samples after run = %d, want %d", got, samples)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	r, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tunables.Dwell = -time.Second
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestRealTimeRunStopsPacer(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.Default()
	cfg.Duration = 800 * time.Millisecond
	cfg.Station.Motion = staticAt(2)

	res := run(t, cfg, WithRealTime(100*time.Millisecond))

	if res.End != secondsAfter(800*time.Millisecond) {
		t.Fatalf("End = %v, want 800ms", res.End.Sub(DefaultEpoch))
	}
	if len(res.Roams) != 1 {
		t.Fatalf("roams = %+v, want INIT only", res.Roams)
	}
}
