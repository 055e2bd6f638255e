// Package runner assembles one roaming simulation: knowledge base, network
// state, association model, decision engine, change detector and routing
// controller on a single discrete-event loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/internal/association"
	"github.com/signalsfoundry/roaming-simulator/internal/config"
	"github.com/signalsfoundry/roaming-simulator/internal/handover"
	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/observability"
	"github.com/signalsfoundry/roaming-simulator/internal/record"
	"github.com/signalsfoundry/roaming-simulator/internal/routing"
	"github.com/signalsfoundry/roaming-simulator/internal/sched"
	"github.com/signalsfoundry/roaming-simulator/internal/sim/state"
	"github.com/signalsfoundry/roaming-simulator/internal/wlan"
	"github.com/signalsfoundry/roaming-simulator/kb"
	"github.com/signalsfoundry/roaming-simulator/model"
	"github.com/signalsfoundry/roaming-simulator/timectrl"
)

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("runner already used")

// DefaultEpoch is the simulation time at which every run starts.
var DefaultEpoch = time.Unix(0, 0).UTC()

// chunk bounds how much simulated time passes between context checks.
const chunk = time.Second

// Result is what a finished run reports.
type Result struct {
	RunID string
	Epoch time.Time
	End   time.Time

	Roams    []model.RoamEvent
	Triggers []model.TriggerEvent
	// FirstRoam is the offset of the first ROAM event from Epoch, or -1.
	FirstRoam time.Duration

	// Serving is the AP the routes were last patched for.
	Serving string
	Routes  map[string][]model.RouteEntry
	// Downlink is the hop sequence from the server to the station at the
	// end of the run; DownlinkErr is set when the station is unreachable.
	Downlink    []string
	DownlinkErr error

	// MeanServingDbm is NaN when the station was never associated at a
	// sample.
	MeanServingDbm float64
}

// RoamCount returns the number of ROAM events, excluding the initial
// association.
func (r Result) RoamCount() int {
	n := 0
	for _, ev := range r.Roams {
		if ev.Kind == model.RoamKindRoam {
			n++
		}
	}
	return n
}

// Summary returns the cross-run summary row for this result.
func (r Result) Summary(cfg config.Config) record.Summary {
	return record.Summary{
		APDistance:     cfg.Scenario.APDistance,
		StationSpeed:   cfg.Scenario.StationSpeed,
		MoveStart:      cfg.Scenario.MoveStart,
		Seed:           cfg.Seed,
		Triggers:       len(r.Triggers),
		Roams:          r.RoamCount(),
		FirstRoam:      r.FirstRoam,
		MeanServingDbm: r.MeanServingDbm,
	}
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the base logger; the runner adds a run_id to it.
func WithLogger(log logging.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.baseLog = log
		}
	}
}

// WithRegisterer registers the run's metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runner) {
		if reg != nil {
			r.reg = reg
		}
	}
}

// WithEpoch overrides DefaultEpoch.
func WithEpoch(t time.Time) Option {
	return func(r *Runner) {
		r.epoch = t
	}
}

// WithRealTime paces the simulation against the wall clock, advancing it by
// tick per wall tick. Event times are unaffected.
func WithRealTime(tick time.Duration) Option {
	return func(r *Runner) {
		r.pace = tick
	}
}

// Runner owns the components of one simulation run.
type Runner struct {
	cfg   config.Config
	epoch time.Time
	pace  time.Duration
	runID string

	baseLog logging.Logger
	log     logging.Logger
	reg     prometheus.Registerer

	clock    *timectrl.TimeController
	loop     *sched.Loop
	kb       *kb.KnowledgeBase
	net      *state.Network
	topo     topology
	medium   *wlan.Medium
	engine   *handover.Engine
	detector *association.Detector
	routes   *routing.Controller
	sampler  *sched.Task

	metrics *observability.RoamingCollector

	events    *record.EventLog
	positions *record.PositionLog

	roams    []model.RoamEvent
	triggers []model.TriggerEvent
	used     bool
}

// New validates cfg and wires every component. Nothing is scheduled until
// Run.
func New(cfg config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		epoch:   DefaultEpoch,
		baseLog: logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reg == nil {
		r.reg = prometheus.NewRegistry()
	}

	ctx, id := logging.EnsureRunID(context.Background())
	r.runID = id
	_, r.log = logging.WithRunLogger(ctx, r.baseLog)

	topo, err := buildTopology(cfg)
	if err != nil {
		return nil, err
	}
	r.topo = topo

	if r.metrics, err = observability.NewRoamingCollector(r.reg); err != nil {
		return nil, fmt.Errorf("roaming metrics: %w", err)
	}
	loopMetrics, err := observability.NewLoopCollector(r.reg, r.epoch)
	if err != nil {
		return nil, fmt.Errorf("loop metrics: %w", err)
	}

	r.clock = timectrl.NewTimeController(r.epoch, chunk, timectrl.Accelerated)
	r.loop = sched.NewLoop(r.clock, sched.WithRecorder(loopMetrics))

	motion, err := cfg.ResolvedMotion().MotionModel(r.epoch)
	if err != nil {
		return nil, err
	}
	r.kb = kb.NewKnowledgeBase()
	r.kb.Subscribe(func(ev kb.Event) {
		if ev.Type == kb.EventNodeAdded {
			r.log.Debug(context.Background(), "node added",
				logging.String("node", ev.NodeID),
				logging.String("role", string(ev.Role)))
		}
	})
	if err := topo.populate(r.kb, motion); err != nil {
		return nil, fmt.Errorf("populate knowledge base: %w", err)
	}

	r.net = state.NewNetwork(r.log)
	if err := topo.install(r.net); err != nil {
		return nil, fmt.Errorf("install topology: %w", err)
	}

	pathLoss := cfg.Tunables.PathLoss
	r.medium = wlan.NewMedium(r.loop, topo.aps, r.kb, cfg.Radio,
		wlan.WithLogger(r.log),
		wlan.WithPathLoss(pathLoss),
	)
	r.medium.OnAssociationChange(func(stationID, apID string) {
		r.log.Debug(context.Background(), "association changed",
			logging.Station(stationID),
			logging.AP(apID),
			logging.Time("at", r.loop.Now()))
	})

	r.routes = routing.NewController(topo.routing(), r.net,
		routing.WithLogger(r.log),
		routing.WithRecorder(r.metrics),
	)

	r.detector = association.NewDetector(r.loop, topo.station.ID, r.medium, r.routes, cfg.Tunables.Detector(),
		association.WithLogger(r.log),
		association.WithRecorder(r.metrics),
	)
	r.detector.Subscribe(r.onRoam)

	if cfg.Tunables.Roaming {
		r.engine = handover.NewEngine(r.loop, topo.station.ID, topo.aps, r.kb, r.medium, cfg.Tunables.Handover(),
			handover.WithLogger(r.log),
			handover.WithRecorder(r.metrics),
			handover.WithPathLoss(pathLoss),
		)
		r.engine.Subscribe(r.onTrigger)
	}

	if cfg.Output.SamplePeriod > 0 {
		r.sampler = sched.NewTask(r.loop, "sampler", cfg.Output.SamplePeriod, r.sample)
	}
	r.positions = record.NewPositionLog(r.epoch, nil)
	return r, nil
}

// RunID identifies this run in logs, traces and metrics.
func (r *Runner) RunID() string { return r.runID }

// MetricsHandler serves the run's Prometheus metrics.
func (r *Runner) MetricsHandler() http.Handler { return r.metrics.Handler() }

// Network exposes the simulated route tables.
func (r *Runner) Network() *state.Network { return r.net }

// Run schedules every component, advances the simulation to the configured
// duration and collects the result. A routing patch failure aborts the run
// and is returned.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	if r.used {
		return Result{}, ErrAlreadyRun
	}
	r.used = true

	ctx = logging.ContextWithLogger(ctx, r.log)
	ctx, span := observability.StartRunSpan(ctx, r.runID,
		attribute.String("station", r.topo.station.ID),
		attribute.Int("access_points", len(r.topo.aps)),
		attribute.Float64("duration_s", r.cfg.Duration.Seconds()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var files *record.Files
	if dir := r.cfg.Output.Dir; dir != "" {
		if files, err = record.Create(dir, r.cfg.Output.Tag, r.epoch); err != nil {
			return Result{}, fmt.Errorf("open output: %w", err)
		}
		defer func() {
			if cerr := files.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output: %w", cerr)
			}
		}()
		r.events = files.Events
		r.positions = files.Positions
	}

	start, stop := r.cfg.ResolvedMotion().StartAt, r.cfg.ResolvedMotion().StopAt
	r.log.Info(ctx, "starting simulation",
		logging.Duration("duration", r.cfg.Duration),
		logging.Int("access_points", len(r.topo.aps)),
		logging.Bool("roaming", r.cfg.Tunables.Roaming),
		logging.Duration("move_start", start),
		logging.Duration("move_stop", stop),
		logging.String("mode", r.mode().String()),
	)

	if len(r.topo.aps) >= 2 {
		a, b := r.topo.aps[0], r.topo.aps[1]
		pl := r.cfg.Tunables.PathLoss
		equal := core.EqualSignalPoint(pl, a.Position, a.TxPowerDbm, b.Position, b.TxPowerDbm)
		roam := core.EqualSignalPoint(pl, a.Position, a.TxPowerDbm+r.cfg.Tunables.HysteresisDb, b.Position, b.TxPowerDbm)
		r.log.Debug(ctx, "expected crossover",
			logging.String("from", a.ID),
			logging.String("to", b.ID),
			logging.Any("equal_signal", equal),
			logging.Any("hysteresis_point", roam),
		)
	}

	stationID := r.topo.station.ID
	r.medium.Start(stationID, r.epoch.Add(r.cfg.Timing.AssocStart))
	r.detector.Start(r.epoch.Add(r.cfg.Timing.DetectorStart))
	if r.engine != nil {
		r.engine.Start(r.epoch.Add(r.cfg.Timing.DecisionStart))
	}
	if r.sampler != nil {
		r.sampler.Start(r.epoch)
	}
	defer r.stop(stationID)

	end := r.epoch.Add(r.cfg.Duration)
	if err := r.advance(ctx, end); err != nil {
		r.log.Error(ctx, "simulation aborted", logging.Err(err), logging.Time("at", r.loop.Now()))
		return r.result(), err
	}

	res = r.result()
	r.log.Info(ctx, "simulation complete",
		logging.Int("roams", res.RoamCount()),
		logging.Int("triggers", len(res.Triggers)),
		logging.Duration("first_roam", res.FirstRoam),
		logging.Serving(res.Serving),
	)
	if res.DownlinkErr != nil {
		r.log.Warn(ctx, "station unreachable from server at end of run", logging.Err(res.DownlinkErr))
	}

	if files != nil {
		if err := record.AppendSummary(files.SummaryPath(), res.Summary(r.cfg)); err != nil {
			return res, err
		}
	}
	return res, nil
}

// stop cancels every periodic task so nothing runs past the end of the run.
func (r *Runner) stop(stationID string) {
	if r.sampler != nil {
		r.sampler.Stop()
	}
	if r.engine != nil {
		r.engine.Stop()
	}
	r.detector.Stop()
	r.medium.Stop(stationID)
}

func (r *Runner) mode() timectrl.Mode {
	if r.pace > 0 {
		return timectrl.RealTime
	}
	return timectrl.Accelerated
}

// advance drives the loop to end, in chunks so that cancellation is
// noticed, or paced by a real-time controller.
func (r *Runner) advance(ctx context.Context, end time.Time) error {
	if r.pace > 0 {
		return r.advancePaced(ctx, end)
	}
	for t := r.loop.Now(); t.Before(end); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("simulation interrupted at %s: %w", t.Sub(r.epoch), err)
		}
		t = t.Add(chunk)
		if t.After(end) {
			t = end
		}
		if err := r.loop.RunUntil(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) advancePaced(ctx context.Context, end time.Time) error {
	pacer := timectrl.NewTimeController(r.loop.Now(), r.pace, timectrl.RealTime)
	paceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pacer.AddListener(func(t time.Time) {
		if t.After(end) {
			t = end
		}
		if err := r.loop.RunUntil(t); err != nil {
			cancel()
		}
	})
	<-pacer.Start(paceCtx, end.Sub(r.loop.Now()))

	if err := r.loop.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("simulation interrupted at %s: %w", r.loop.Now().Sub(r.epoch), err)
	}
	return r.loop.RunUntil(end)
}

// onRoam runs after the routing patch for ev succeeded.
func (r *Runner) onRoam(ev model.RoamEvent) {
	r.roams = append(r.roams, ev)
	if err := r.routes.Verify(); err != nil {
		r.loop.Abort(fmt.Errorf("routes inconsistent after %s to %s: %w", ev.Kind, ev.To, err))
		return
	}
	if err := r.events.Roam(ev); err != nil {
		r.loop.Abort(fmt.Errorf("record roam event: %w", err))
	}
}

func (r *Runner) onTrigger(ev model.TriggerEvent) {
	r.triggers = append(r.triggers, ev)
	if err := r.events.Trigger(ev); err != nil {
		r.loop.Abort(fmt.Errorf("record trigger: %w", err))
	}
}

// sample records the station position and the signal it sees from the
// serving and the strongest other AP.
func (r *Runner) sample(now time.Time) error {
	stationID := r.topo.station.ID
	pos, err := r.kb.Position(stationID, now)
	if err != nil {
		return fmt.Errorf("sample %s: %w", stationID, err)
	}
	s := record.PositionSample{Time: now, Position: pos}
	serving, _ := r.medium.CurrentAssociation(stationID)

	pl := r.cfg.Tunables.PathLoss
	for _, ap := range r.topo.aps {
		dbm := pl.EstimateRxDbm(ap.TxPowerDbm, ap.Position, pos)
		if ap.ID == serving {
			s.Serving, s.ServingDbm = ap.ID, dbm
			continue
		}
		if s.BestAlt == "" || dbm > s.BestAltDbm {
			s.BestAlt, s.BestAltDbm = ap.ID, dbm
		}
	}
	return r.positions.Sample(s)
}

// linkUp vetoes wireless hops to or from the station unless it is
// associated with the AP on the other end.
func (r *Runner) linkUp(from, to string) bool {
	stationID := r.topo.station.ID
	switch stationID {
	case to:
		return r.medium.Associated(stationID, from)
	case from:
		return r.medium.Associated(stationID, to)
	}
	return true
}

func (r *Runner) result() Result {
	res := Result{
		RunID:          r.runID,
		Epoch:          r.epoch,
		End:            r.loop.Now(),
		Roams:          append([]model.RoamEvent(nil), r.roams...),
		Triggers:       append([]model.TriggerEvent(nil), r.triggers...),
		FirstRoam:      -1,
		Routes:         make(map[string][]model.RouteEntry),
		MeanServingDbm: r.positions.MeanServingDbm(),
	}
	for _, ev := range r.roams {
		if ev.Kind == model.RoamKindRoam {
			res.FirstRoam = ev.Time.Sub(r.epoch)
			break
		}
	}
	res.Serving, _ = r.routes.Serving()
	for _, id := range r.topo.nodeIDs() {
		routes, err := r.net.Routes(id)
		if err == nil {
			res.Routes[id] = routes
		}
	}
	res.Downlink, res.DownlinkErr = r.net.Trace(r.topo.server.ID, r.topo.station.Addr, r.linkUp)
	return res
}

var (
	_ handover.Medium         = (*wlan.Medium)(nil)
	_ handover.PositionSource = (*kb.KnowledgeBase)(nil)
	_ association.Source      = (*wlan.Medium)(nil)
	_ association.Patcher     = (*routing.Controller)(nil)
	_ routing.RouteTable      = (*state.Network)(nil)
)
