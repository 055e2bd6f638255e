// Package routing keeps the station, server and access point route tables
// consistent with the station's confirmed serving access point.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/sim/state"
	"github.com/signalsfoundry/roaming-simulator/model"
)

const tracerName = "github.com/signalsfoundry/roaming-simulator/internal/routing"

// RouteTable is the per-node static routing surface the controller writes.
type RouteTable interface {
	RemoveRoute(nodeID string, dest netip.Prefix) error
	AddRoute(nodeID string, entry model.RouteEntry) error
	InterfaceFor(nodeID string, dest netip.Addr) (string, error)
	Route(nodeID string, dest netip.Prefix) (model.RouteEntry, bool)
}

// Recorder receives routing metrics.
type Recorder interface {
	IncRoutePatch(nodeID string)
	ObservePatchDuration(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) IncRoutePatch(string)               {}
func (noopRecorder) ObservePatchDuration(time.Duration) {}

// Topology is the static part of the roaming network.
type Topology struct {
	Station      model.Station
	Server       model.Server
	AccessPoints []model.AccessPoint
	// BackbonePrefix is the wired subnet behind the APs that the station
	// reaches through its serving AP.
	BackbonePrefix netip.Prefix
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// Controller rewrites routes on every confirmed association event so that
// traffic between the server and the station flows through the serving AP.
type Controller struct {
	topo    Topology
	table   RouteTable
	serving string

	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// NewController creates a controller for topo writing into table.
func NewController(topo Topology, table RouteTable, opts ...Option) *Controller {
	c := &Controller{
		topo:    topo,
		table:   table,
		log:     logging.Noop(),
		metrics: noopRecorder{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "routing"))
	return c
}

// Serving returns the AP the tables were last patched for.
func (c *Controller) Serving() (string, bool) {
	return c.serving, c.serving != ""
}

// patch is one route to install on one node.
type patch struct {
	node  string
	route model.RouteEntry
}

func (c *Controller) accessPoint(id string) (model.AccessPoint, bool) {
	for _, ap := range c.topo.AccessPoints {
		if ap.ID == id {
			return ap, true
		}
	}
	return model.AccessPoint{}, false
}

func (c *Controller) stationHost() netip.Prefix {
	return netip.PrefixFrom(c.topo.Station.Addr, c.topo.Station.Addr.BitLen())
}

// plan resolves every interface needed for the patch towards servingID
// without touching any table.
func (c *Controller) plan(servingID string) ([]patch, error) {
	ap, ok := c.accessPoint(servingID)
	if !ok {
		return nil, &PatchError{
			Node:    c.topo.Station.ID,
			Lookup:  "access point",
			Address: servingID,
			Err:     ErrUnknownAccessPoint,
		}
	}

	resolve := func(node string, via netip.Addr) (string, error) {
		iface, err := c.table.InterfaceFor(node, via)
		if err != nil {
			return "", &PatchError{Node: node, Lookup: "interface", Address: via.String(), Err: err}
		}
		return iface, nil
	}

	host := c.stationHost()
	plan := make([]patch, 0, len(c.topo.AccessPoints)+1)

	staIface, err := resolve(c.topo.Station.ID, ap.LocalAddr)
	if err != nil {
		return nil, err
	}
	plan = append(plan, patch{c.topo.Station.ID, model.RouteEntry{
		Destination: c.topo.BackbonePrefix.Masked(),
		NextHop:     ap.LocalAddr,
		Interface:   staIface,
	}})

	srvIface, err := resolve(c.topo.Server.ID, ap.BackboneAddr)
	if err != nil {
		return nil, err
	}
	plan = append(plan, patch{c.topo.Server.ID, model.RouteEntry{
		Destination: host,
		NextHop:     ap.BackboneAddr,
		Interface:   srvIface,
	}})

	// Frames that still reach a stale AP are bridged to the serving one.
	for _, other := range c.topo.AccessPoints {
		if other.ID == ap.ID {
			continue
		}
		iface, err := resolve(other.ID, ap.BackboneAddr)
		if err != nil {
			return nil, err
		}
		plan = append(plan, patch{other.ID, model.RouteEntry{
			Destination: host,
			NextHop:     ap.BackboneAddr,
			Interface:   iface,
		}})
	}

	return plan, nil
}

// Apply patches all route tables for ev.To. Any lookup failure is returned
// as a *PatchError before a single table has been modified. Applying the
// same event twice leaves the tables unchanged.
func (c *Controller) Apply(ctx context.Context, ev model.RoamEvent) error {
	began := time.Now()
	ctx, span := c.tracer.Start(ctx, "routing.apply", trace.WithAttributes(
		attribute.String("station", ev.StationID),
		attribute.String("kind", ev.Kind.String()),
		attribute.String("serving_ap", ev.To),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	plan, err := c.plan(ev.To)
	if err != nil {
		return fail(err)
	}

	host := c.stationHost()
	if err := c.removeStale(ev.To, host); err != nil {
		return fail(err)
	}

	for _, p := range plan {
		if err := c.table.RemoveRoute(p.node, p.route.Destination); err != nil && !errors.Is(err, state.ErrRouteNotFound) {
			return fail(&PatchError{Node: p.node, Lookup: "route", Address: p.route.Destination.String(), Err: err})
		}
		if err := c.table.AddRoute(p.node, p.route); err != nil {
			return fail(&PatchError{Node: p.node, Lookup: "route", Address: p.route.Destination.String(), Err: err})
		}
		c.metrics.IncRoutePatch(p.node)
		span.AddEvent("route installed", trace.WithAttributes(
			attribute.String("node", p.node),
			attribute.String("route", p.route.String()),
		))
	}

	prev := c.serving
	c.serving = ev.To
	c.metrics.ObservePatchDuration(time.Since(began))
	c.log.Info(ctx, "routes patched",
		logging.String("kind", ev.Kind.String()),
		logging.String("previous", prev),
		logging.Serving(ev.To),
		logging.Int("routes", len(plan)),
	)
	return nil
}

// removeStale drops a bridging host route left on the new serving AP by an
// earlier roam. The serving AP must deliver on its own wireless subnet.
func (c *Controller) removeStale(servingID string, host netip.Prefix) error {
	if _, ok := c.table.Route(servingID, host); !ok {
		return nil
	}
	if err := c.table.RemoveRoute(servingID, host); err != nil && !errors.Is(err, state.ErrRouteNotFound) {
		return &PatchError{Node: servingID, Lookup: "route", Address: host.String(), Err: err}
	}
	c.metrics.IncRoutePatch(servingID)
	return nil
}

// Verify checks that every table agrees with the last applied serving AP.
func (c *Controller) Verify() error {
	if c.serving == "" {
		return nil
	}
	ap, ok := c.accessPoint(c.serving)
	if !ok {
		return fmt.Errorf("serving %q: %w", c.serving, ErrUnknownAccessPoint)
	}

	var errs []error
	expect := func(node string, dest netip.Prefix, via netip.Addr) {
		r, ok := c.table.Route(node, dest)
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("%s: no route to %s: %w", node, dest, ErrInconsistent))
		case r.NextHop != via:
			errs = append(errs, fmt.Errorf("%s: route to %s via %s, want %s: %w", node, dest, r.NextHop, via, ErrInconsistent))
		}
	}

	host := c.stationHost()
	expect(c.topo.Station.ID, c.topo.BackbonePrefix.Masked(), ap.LocalAddr)
	expect(c.topo.Server.ID, host, ap.BackboneAddr)
	for _, other := range c.topo.AccessPoints {
		if other.ID == ap.ID {
			if r, ok := c.table.Route(other.ID, host); ok {
				errs = append(errs, fmt.Errorf("%s: serving AP has bridging route %s: %w", other.ID, r, ErrInconsistent))
			}
			continue
		}
		expect(other.ID, host, ap.BackboneAddr)
	}
	return errors.Join(errs...)
}
