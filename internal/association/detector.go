// Package association observes a station's actual association and confirms
// changes of serving access point.
package association

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/sched"
	"github.com/signalsfoundry/roaming-simulator/model"
)

const tracerName = "github.com/signalsfoundry/roaming-simulator/internal/association"

// DefaultPollPeriod is the detector poll period before clamping.
const DefaultPollPeriod = 50 * time.Millisecond

// ErrInvalidConfig is returned for a non-positive poll period.
var ErrInvalidConfig = errors.New("invalid detector config")

// Source reports the station's current association.
type Source interface {
	CurrentAssociation(stationID string) (apID string, ok bool)
}

// Patcher applies a confirmed event to routing state. A returned error is
// fatal to the run.
type Patcher interface {
	Apply(ctx context.Context, ev model.RoamEvent) error
}

// PatcherFunc adapts a function to Patcher.
type PatcherFunc func(ctx context.Context, ev model.RoamEvent) error

// Apply calls f.
func (f PatcherFunc) Apply(ctx context.Context, ev model.RoamEvent) error { return f(ctx, ev) }

// Recorder receives detector metrics.
type Recorder interface {
	IncRoamEvent(stationID string, kind model.RoamKind)
	IncAssociationLoss(stationID string)
}

type noopRecorder struct{}

func (noopRecorder) IncRoamEvent(string, model.RoamKind) {}
func (noopRecorder) IncAssociationLoss(string)           {}

// Config holds detector tunables.
type Config struct {
	PollPeriod time.Duration `mapstructure:"poll_period" yaml:"poll_period"`
}

// Validate rejects a non-positive poll period.
func (c Config) Validate() error {
	if c.PollPeriod <= 0 {
		return fmt.Errorf("%w: poll period %v must be positive", ErrInvalidConfig, c.PollPeriod)
	}
	return nil
}

// Option customises a Detector.
type Option func(*Detector)

// WithLogger sets the detector logger.
func WithLogger(log logging.Logger) Option {
	return func(d *Detector) {
		if log != nil {
			d.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Detector) {
		if r != nil {
			d.metrics = r
		}
	}
}

// Detector polls a station's association and turns differences from the
// last confirmed value into RoamEvents. It never looks at why an
// association changed.
type Detector struct {
	stationID string
	source    Source
	patcher   Patcher

	task *sched.Task

	baseline    string
	hasBaseline bool
	lost        bool

	subs []func(model.RoamEvent)

	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// NewDetector builds a detector for stationID. patcher may be nil, in which
// case events are only published.
func NewDetector(s sched.EventScheduler, stationID string, source Source, patcher Patcher, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		stationID: stationID,
		source:    source,
		patcher:   patcher,
		log:       logging.Noop(),
		metrics:   noopRecorder{},
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(logging.String("component", "association"), logging.Station(stationID))
	d.task = sched.NewTask(s, "association/"+stationID, cfg.PollPeriod, d.poll)
	return d
}

// Subscribe registers a callback for confirmed events. Subscribers run after
// the routing patch has been applied.
func (d *Detector) Subscribe(fn func(model.RoamEvent)) {
	d.subs = append(d.subs, fn)
}

// Start schedules the first poll at 'at'.
func (d *Detector) Start(at time.Time) {
	d.task.Start(at)
}

// Stop cancels the pending poll.
func (d *Detector) Stop() {
	d.task.Stop()
}

// Baseline returns the last confirmed serving AP.
func (d *Detector) Baseline() (string, bool) {
	return d.baseline, d.hasBaseline
}

func (d *Detector) poll(now time.Time) error {
	ctx := context.Background()

	cur, ok := d.source.CurrentAssociation(d.stationID)
	if !ok {
		if d.hasBaseline && !d.lost {
			d.lost = true
			d.metrics.IncAssociationLoss(d.stationID)
			d.log.Warn(ctx, "association lost; keeping routes towards last serving AP",
				logging.String("baseline", d.baseline))
		}
		return nil
	}
	if d.lost {
		d.lost = false
		d.log.Info(ctx, "association restored", logging.AP(cur))
	}

	var ev model.RoamEvent
	switch {
	case !d.hasBaseline:
		ev = model.RoamEvent{Time: now, Kind: model.RoamKindInitial, StationID: d.stationID, To: cur}
	case cur != d.baseline:
		ev = model.RoamEvent{Time: now, Kind: model.RoamKindRoam, StationID: d.stationID, From: d.baseline, To: cur}
	default:
		return nil
	}

	if err := d.confirm(ctx, ev); err != nil {
		return err
	}
	d.baseline = cur
	d.hasBaseline = true
	return nil
}

func (d *Detector) confirm(ctx context.Context, ev model.RoamEvent) error {
	ctx, span := d.tracer.Start(ctx, "association.confirm", trace.WithAttributes(
		attribute.String("station", ev.StationID),
		attribute.String("kind", ev.Kind.String()),
		attribute.String("from", ev.From),
		attribute.String("to", ev.To),
	))
	defer span.End()

	d.log.Info(ctx, "association change confirmed",
		logging.String("kind", ev.Kind.String()),
		logging.String("from", ev.From),
		logging.String("to", ev.To),
		logging.Time("sim_time", ev.Time),
	)

	if d.patcher != nil {
		if err := d.patcher.Apply(ctx, ev); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.log.Error(ctx, "route patch failed", logging.Err(err))
			return fmt.Errorf("detector %s: %s %s->%s: %w", d.stationID, ev.Kind, ev.From, ev.To, err)
		}
	}

	d.metrics.IncRoamEvent(ev.StationID, ev.Kind)
	for _, fn := range d.subs {
		fn(ev)
	}
	return nil
}
