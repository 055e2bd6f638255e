package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/roaming-simulator/model"
)

// RoamingCollector bundles Prometheus metrics for the handover engine, the
// association detector and the routing controller. It satisfies the
// Recorder interface of each of them.
type RoamingCollector struct {
	gatherer prometheus.Gatherer

	Triggers          *prometheus.CounterVec
	TriggerFailures   *prometheus.CounterVec
	RoamEvents        *prometheus.CounterVec
	AssociationLosses *prometheus.CounterVec
	RoutePatches      *prometheus.CounterVec
	PatchDurations    prometheus.Histogram
	Candidate         *prometheus.GaugeVec
	SignalDbm         *prometheus.GaugeVec
}

// NewRoamingCollector registers roaming metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRoamingCollector(reg prometheus.Registerer) (*RoamingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	triggers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roaming_triggers_total",
		Help: "Reassociation requests fired by the handover engine, labeled by station.",
	}, []string{"station"}), "roaming_triggers_total")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roaming_trigger_failures_total",
		Help: "Reassociation requests rejected by the radio, labeled by station.",
	}, []string{"station"}), "roaming_trigger_failures_total")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roaming_events_total",
		Help: "Confirmed association events, labeled by station and kind (INIT or ROAM).",
	}, []string{"station", "kind"}), "roaming_events_total")
	if err != nil {
		return nil, err
	}

	losses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roaming_association_losses_total",
		Help: "Times a station was observed without any association after its first one.",
	}, []string{"station"}), "roaming_association_losses_total")
	if err != nil {
		return nil, err
	}

	patches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roaming_route_patches_total",
		Help: "Route table writes performed by the routing controller, labeled by node.",
	}, []string{"node"}), "roaming_route_patches_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roaming_route_patch_duration_seconds",
		Help:    "Wall-clock duration of a complete route patch.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}), "roaming_route_patch_duration_seconds")
	if err != nil {
		return nil, err
	}

	candidate, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roaming_candidate",
		Help: "1 while the handover engine holds a roam candidate for the station.",
	}, []string{"station"}), "roaming_candidate")
	if err != nil {
		return nil, err
	}

	signal, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roaming_signal_dbm",
		Help: "Latest estimated received signal per station and access point.",
	}, []string{"station", "ap"}), "roaming_signal_dbm")
	if err != nil {
		return nil, err
	}

	return &RoamingCollector{
		gatherer:          gatherer,
		Triggers:          triggers,
		TriggerFailures:   failures,
		RoamEvents:        events,
		AssociationLosses: losses,
		RoutePatches:      patches,
		PatchDurations:    durations,
		Candidate:         candidate,
		SignalDbm:         signal,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RoamingCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RoamingCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveSignal records the estimated signal a station sees from an AP.
func (c *RoamingCollector) ObserveSignal(stationID, apID string, dbm float64) {
	if c == nil || c.SignalDbm == nil {
		return
	}
	c.SignalDbm.WithLabelValues(stationID, apID).Set(dbm)
}

// IncTrigger counts a fired roam trigger.
func (c *RoamingCollector) IncTrigger(stationID string) {
	if c == nil || c.Triggers == nil {
		return
	}
	c.Triggers.WithLabelValues(stationID).Inc()
}

// IncTriggerFailure counts a reassociation request that was refused.
func (c *RoamingCollector) IncTriggerFailure(stationID string) {
	if c == nil || c.TriggerFailures == nil {
		return
	}
	c.TriggerFailures.WithLabelValues(stationID).Inc()
}

// SetCandidate flags whether the station is dwelling on a roam candidate.
func (c *RoamingCollector) SetCandidate(stationID string, candidate bool) {
	if c == nil || c.Candidate == nil {
		return
	}
	v := 0.0
	if candidate {
		v = 1
	}
	c.Candidate.WithLabelValues(stationID).Set(v)
}

// IncRoamEvent counts a confirmed association change by kind.
func (c *RoamingCollector) IncRoamEvent(stationID string, kind model.RoamKind) {
	if c == nil || c.RoamEvents == nil {
		return
	}
	c.RoamEvents.WithLabelValues(stationID, kind.String()).Inc()
}

// IncAssociationLoss counts a poll that found the station unassociated.
func (c *RoamingCollector) IncAssociationLoss(stationID string) {
	if c == nil || c.AssociationLosses == nil {
		return
	}
	c.AssociationLosses.WithLabelValues(stationID).Inc()
}

// IncRoutePatch counts a route written on a node.
func (c *RoamingCollector) IncRoutePatch(nodeID string) {
	if c == nil || c.RoutePatches == nil {
		return
	}
	c.RoutePatches.WithLabelValues(nodeID).Inc()
}

// ObservePatchDuration records how long one routing patch took.
func (c *RoamingCollector) ObservePatchDuration(d time.Duration) {
	if c == nil || c.PatchDurations == nil {
		return
	}
	c.PatchDurations.Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
