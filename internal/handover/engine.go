// Package handover decides when a station should attempt to roam, from
// estimated signal levels, without oscillating between access points.
package handover

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/sched"
	"github.com/signalsfoundry/roaming-simulator/model"
)

const tracerName = "github.com/signalsfoundry/roaming-simulator/internal/handover"

// State is the engine's decision state.
type State int

const (
	StateIdle State = iota
	StateCandidate
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// PositionSource yields node positions at a simulation time.
type PositionSource interface {
	Position(nodeID string, t time.Time) (model.Point, error)
}

// AssociationSource reports which AP currently serves a station.
type AssociationSource interface {
	CurrentAssociation(stationID string) (apID string, ok bool)
}

// Reassociator asks the radio layer to rescan and reassociate. The request
// is best effort: success means it was accepted, not that a roam happened.
type Reassociator interface {
	RequestReassociation(ctx context.Context, stationID string) error
}

// Medium is the association model seen by the engine.
type Medium interface {
	AssociationSource
	Reassociator
}

// Recorder receives decision metrics.
type Recorder interface {
	ObserveSignal(stationID, apID string, dbm float64)
	IncTrigger(stationID string)
	IncTriggerFailure(stationID string)
	SetCandidate(stationID string, candidate bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSignal(string, string, float64) {}
func (noopRecorder) IncTrigger(string)                     {}
func (noopRecorder) IncTriggerFailure(string)              {}
func (noopRecorder) SetCandidate(string, bool)             {}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithPathLoss overrides the signal estimator.
func WithPathLoss(m core.PathLossModel) Option {
	return func(e *Engine) {
		e.estimator = m
	}
}

// Engine is the per-station handover decision state machine. It runs as a
// periodic task on the simulation scheduler and never blocks on the radio.
type Engine struct {
	stationID string
	aps       []model.AccessPoint
	cfg       Config

	positions PositionSource
	medium    Medium
	estimator core.PathLossModel

	task *sched.Task

	state          State
	candidateStart time.Time
	candidateAP    string
	lastTrigger    time.Time
	triggered      bool

	subs []func(model.TriggerEvent)

	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// NewEngine builds an engine for stationID choosing among aps. cfg must have
// passed Validate.
func NewEngine(s sched.EventScheduler, stationID string, aps []model.AccessPoint,
	positions PositionSource, medium Medium, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		stationID: stationID,
		aps:       append([]model.AccessPoint(nil), aps...),
		cfg:       cfg,
		positions: positions,
		medium:    medium,
		estimator: core.DefaultPathLossModel(),
		log:       logging.Noop(),
		metrics:   noopRecorder{},
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("component", "handover"), logging.Station(stationID))
	e.task = sched.NewTask(s, "handover/"+stationID, cfg.EffectiveTick(), e.evaluate)
	return e
}

// Subscribe registers a callback for fired triggers.
func (e *Engine) Subscribe(fn func(model.TriggerEvent)) {
	e.subs = append(e.subs, fn)
}

// Start schedules the first evaluation at 'at'.
func (e *Engine) Start(at time.Time) {
	e.task.Start(at)
}

// Stop cancels the pending evaluation.
func (e *Engine) Stop() {
	e.task.Stop()
}

// State returns the current decision state.
func (e *Engine) State() State {
	return e.state
}

// Ticks returns how many evaluations have run.
func (e *Engine) Ticks() int {
	return e.task.Runs()
}

// LastTrigger returns the time of the last fired trigger.
func (e *Engine) LastTrigger() (time.Time, bool) {
	return e.lastTrigger, e.triggered
}

func (e *Engine) setIdle() {
	if e.state != StateIdle {
		e.metrics.SetCandidate(e.stationID, false)
	}
	e.state = StateIdle
	e.candidateAP = ""
}

func (e *Engine) setCandidate(apID string, now time.Time) {
	if e.state != StateCandidate {
		e.metrics.SetCandidate(e.stationID, true)
	}
	e.state = StateCandidate
	e.candidateAP = apID
	e.candidateStart = now
}

// evaluate is one decision tick.
func (e *Engine) evaluate(now time.Time) error {
	ctx := context.Background()

	servingID, ok := e.medium.CurrentAssociation(e.stationID)
	if !ok {
		e.setIdle()
		return nil
	}

	pos, err := e.positions.Position(e.stationID, now)
	if err != nil {
		// Keep the decision state; the next tick samples again.
		e.log.Warn(ctx, "station position unavailable", logging.Err(err))
		return nil
	}

	var (
		serving  model.SignalSample
		best     model.SignalSample
		haveSrv  bool
		haveBest bool
	)
	for _, ap := range e.aps {
		sample := e.estimator.Sample(ap, pos, now)
		e.metrics.ObserveSignal(e.stationID, ap.ID, sample.EstimatedDbm)
		if ap.ID == servingID {
			serving, haveSrv = sample, true
			continue
		}
		// Ties keep the first AP in ID order.
		if !haveBest || sample.EstimatedDbm > best.EstimatedDbm {
			best, haveBest = sample, true
		}
	}
	if !haveSrv {
		e.log.Warn(ctx, "serving AP is not a known access point", logging.AP(servingID))
		e.setIdle()
		return nil
	}

	if e.triggered && now.Sub(e.lastTrigger) < e.cfg.MinTriggerGap {
		return nil
	}

	if !haveBest || !(best.EstimatedDbm > serving.EstimatedDbm+e.cfg.HysteresisDb) {
		e.setIdle()
		return nil
	}

	if e.state != StateCandidate || e.candidateAP != best.APID {
		e.setCandidate(best.APID, now)
		e.log.Debug(ctx, "roam candidate",
			logging.Serving(servingID),
			logging.Target(best.APID),
			logging.Dbm("serving_dbm", serving.EstimatedDbm),
			logging.Dbm("target_dbm", best.EstimatedDbm),
		)
		return nil
	}

	if now.Sub(e.candidateStart) < e.cfg.Dwell {
		return nil
	}

	e.fire(ctx, now, serving, best)
	return nil
}

func (e *Engine) fire(ctx context.Context, now time.Time, serving, target model.SignalSample) {
	ctx, span := e.tracer.Start(ctx, "handover.trigger", trace.WithAttributes(
		attribute.String("station", e.stationID),
		attribute.String("serving_ap", serving.APID),
		attribute.String("target_ap", target.APID),
		attribute.Float64("serving_dbm", serving.EstimatedDbm),
		attribute.Float64("target_dbm", target.EstimatedDbm),
	))
	defer span.End()

	if err := e.medium.RequestReassociation(ctx, e.stationID); err != nil {
		// Stay Candidate; the next tick past the gap check retries.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.IncTriggerFailure(e.stationID)
		e.log.Warn(ctx, "reassociation request failed",
			logging.Target(target.APID),
			logging.Err(err),
		)
		return
	}

	e.lastTrigger = now
	e.triggered = true
	e.setIdle()
	e.metrics.IncTrigger(e.stationID)

	ev := model.TriggerEvent{
		Time:       now,
		StationID:  e.stationID,
		ServingAP:  serving.APID,
		TargetAP:   target.APID,
		ServingDbm: serving.EstimatedDbm,
		TargetDbm:  target.EstimatedDbm,
	}
	e.log.Info(ctx, "roam triggered",
		logging.Serving(ev.ServingAP),
		logging.Target(ev.TargetAP),
		logging.Dbm("serving_dbm", ev.ServingDbm),
		logging.Dbm("target_dbm", ev.TargetDbm),
	)
	for _, fn := range e.subs {
		fn(ev)
	}
}
