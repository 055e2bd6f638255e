package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopCollector exposes discrete-event loop metrics. It satisfies
// sched.Recorder.
type LoopCollector struct {
	gatherer prometheus.Gatherer
	epoch    time.Time

	EventsExecuted prometheus.Counter
	PendingEvents  prometheus.Gauge
	SimTime        prometheus.Gauge
}

// NewLoopCollector registers loop metrics against the provided registerer.
// Simulation time is reported in seconds since epoch.
func NewLoopCollector(reg prometheus.Registerer, epoch time.Time) (*LoopCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	executed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_executed_total",
		Help: "Cumulative number of scheduled events executed by the simulation loop.",
	}), "sim_events_executed_total")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_pending_events",
		Help: "Number of events currently waiting in the simulation loop.",
	}), "sim_pending_events")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_time_seconds",
		Help: "Current simulation time in seconds since the start of the run.",
	}), "sim_time_seconds")
	if err != nil {
		return nil, err
	}

	return &LoopCollector{
		gatherer:       gatherer,
		epoch:          epoch,
		EventsExecuted: executed,
		PendingEvents:  pending,
		SimTime:        simTime,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LoopCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncEventsExecuted increments the executed events counter.
func (c *LoopCollector) IncEventsExecuted() {
	if c == nil || c.EventsExecuted == nil {
		return
	}
	c.EventsExecuted.Inc()
}

// SetPendingEvents updates the queue depth gauge.
func (c *LoopCollector) SetPendingEvents(count int) {
	if c == nil || c.PendingEvents == nil {
		return
	}
	c.PendingEvents.Set(float64(count))
}

// SetSimTime records the loop clock.
func (c *LoopCollector) SetSimTime(t time.Time) {
	if c == nil || c.SimTime == nil {
		return
	}
	c.SimTime.Set(t.Sub(c.epoch).Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
