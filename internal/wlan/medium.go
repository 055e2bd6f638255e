// Package wlan models the radio side of roaming: which access point each
// station is actually associated with, and how that changes when a station
// scans. Decisions are made elsewhere; this package only carries them out.
package wlan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/internal/logging"
	"github.com/signalsfoundry/roaming-simulator/internal/sched"
	"github.com/signalsfoundry/roaming-simulator/model"
)

var (
	// ErrScanInProgress is returned when a station is already scanning.
	ErrScanInProgress = errors.New("scan in progress")
	// ErrUnavailable is returned while the medium refuses requests.
	ErrUnavailable = errors.New("association service unavailable")
	// ErrUnknownStation is returned for stations never started.
	ErrUnknownStation = errors.New("unknown station")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid wlan config")
)

// PositionSource yields node positions at a simulation time.
type PositionSource interface {
	Position(nodeID string, t time.Time) (model.Point, error)
}

// Config controls association timing and radio impairments.
type Config struct {
	// AssocDelay is the time from Start to the end of the initial scan.
	AssocDelay time.Duration `mapstructure:"assoc_delay" yaml:"assoc_delay"`
	// ScanDuration is how long a requested scan takes. It must be positive
	// so that a request is never observed on the tick that made it.
	ScanDuration time.Duration `mapstructure:"scan_duration" yaml:"scan_duration"`
	// ShadowingSigmaDb adds zero-mean log-normal shadowing to scan results.
	ShadowingSigmaDb float64 `mapstructure:"shadowing_sigma_db" yaml:"shadowing_sigma_db"`
	// RequestLossRate is the probability that a request is silently dropped.
	RequestLossRate float64 `mapstructure:"request_loss_rate" yaml:"request_loss_rate"`

	// BeaconInterval paces the beacon-loss monitor.
	BeaconInterval time.Duration `mapstructure:"beacon_interval" yaml:"beacon_interval"`
	// LinkLossDbm is the level below which a beacon is considered missed
	// and an AP is not selectable.
	LinkLossDbm float64 `mapstructure:"link_loss_dbm" yaml:"link_loss_dbm"`
	// MaxMissedBeacons consecutive misses drop the association. 0 disables
	// the monitor.
	MaxMissedBeacons int `mapstructure:"max_missed_beacons" yaml:"max_missed_beacons"`

	Seed uint64 `mapstructure:"seed" yaml:"seed"`
}

// DefaultConfig returns the medium defaults.
func DefaultConfig() Config {
	return Config{
		AssocDelay:       500 * time.Millisecond,
		ScanDuration:     120 * time.Millisecond,
		BeaconInterval:   100 * time.Millisecond,
		LinkLossDbm:      -95,
		MaxMissedBeacons: 10,
		Seed:             1,
	}
}

// Validate checks timing and probability ranges.
func (c Config) Validate() error {
	switch {
	case c.AssocDelay < 0:
		return fmt.Errorf("%w: assoc delay %v must not be negative", ErrInvalidConfig, c.AssocDelay)
	case c.ScanDuration <= 0:
		return fmt.Errorf("%w: scan duration %v must be positive", ErrInvalidConfig, c.ScanDuration)
	case c.ShadowingSigmaDb < 0:
		return fmt.Errorf("%w: shadowing sigma %.2f must not be negative", ErrInvalidConfig, c.ShadowingSigmaDb)
	case c.RequestLossRate < 0 || c.RequestLossRate > 1:
		return fmt.Errorf("%w: request loss rate %.2f outside [0,1]", ErrInvalidConfig, c.RequestLossRate)
	case c.MaxMissedBeacons < 0:
		return fmt.Errorf("%w: max missed beacons %d must not be negative", ErrInvalidConfig, c.MaxMissedBeacons)
	case c.MaxMissedBeacons > 0 && c.BeaconInterval <= 0:
		return fmt.Errorf("%w: beacon interval %v must be positive", ErrInvalidConfig, c.BeaconInterval)
	}
	return nil
}

// Option customises a Medium.
type Option func(*Medium)

// WithLogger sets the medium logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Medium) {
		if log != nil {
			m.log = log
		}
	}
}

// WithPathLoss overrides the propagation model used for scans and beacons.
func WithPathLoss(pl core.PathLossModel) Option {
	return func(m *Medium) {
		m.pathLoss = pl
	}
}

type station struct {
	id       string
	serving  string
	scanning bool
	missed   int
	monitor  *sched.Task
}

// Medium owns the actual association of every station. Association changes
// happen only when a scan completes, some time after it was requested.
type Medium struct {
	sched    sched.EventScheduler
	aps      []model.AccessPoint
	pos      PositionSource
	cfg      Config
	pathLoss core.PathLossModel

	stations  map[string]*station
	available bool

	rng       *rand.Rand
	shadowing distuv.Normal

	subs []func(stationID, apID string)

	log logging.Logger
}

// NewMedium creates a medium serving aps. cfg must have passed Validate.
func NewMedium(s sched.EventScheduler, aps []model.AccessPoint, pos PositionSource, cfg Config, opts ...Option) *Medium {
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	sorted := append([]model.AccessPoint(nil), aps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	m := &Medium{
		sched:     s,
		aps:       sorted,
		pos:       pos,
		cfg:       cfg,
		pathLoss:  core.DefaultPathLossModel(),
		stations:  make(map[string]*station),
		available: true,
		rng:       rand.New(src),
		shadowing: distuv.Normal{Mu: 0, Sigma: cfg.ShadowingSigmaDb, Src: src},
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.String("component", "wlan"))
	return m
}

// OnAssociationChange registers a callback run whenever a station's serving
// AP changes, including to "" on disassociation.
func (m *Medium) OnAssociationChange(fn func(stationID, apID string)) {
	m.subs = append(m.subs, fn)
}

// Start registers a station and schedules its initial scan AssocDelay after
// 'at'.
func (m *Medium) Start(stationID string, at time.Time) {
	st, ok := m.stations[stationID]
	if !ok {
		st = &station{id: stationID}
		m.stations[stationID] = st
	}
	st.scanning = true
	m.sched.Schedule(at.Add(m.cfg.AssocDelay), func() { m.completeScan(st) })

	if m.cfg.MaxMissedBeacons > 0 && st.monitor == nil {
		st.monitor = sched.NewTask(m.sched, "beacons/"+stationID, m.cfg.BeaconInterval,
			func(now time.Time) error { return m.checkBeacons(st, now) })
		st.monitor.Start(at.Add(m.cfg.AssocDelay).Add(m.cfg.BeaconInterval))
	}
}

// Stop cancels a station's beacon monitor.
func (m *Medium) Stop(stationID string) {
	if st, ok := m.stations[stationID]; ok && st.monitor != nil {
		st.monitor.Stop()
	}
}

// SetAvailable toggles whether reassociation requests are accepted.
func (m *Medium) SetAvailable(available bool) {
	m.available = available
}

// CurrentAssociation returns the station's serving AP.
func (m *Medium) CurrentAssociation(stationID string) (string, bool) {
	st, ok := m.stations[stationID]
	if !ok || st.serving == "" {
		return "", false
	}
	return st.serving, true
}

// Associated reports whether stationID is currently served by apID. It is
// the radio adjacency used when tracing packet paths.
func (m *Medium) Associated(stationID, apID string) bool {
	cur, ok := m.CurrentAssociation(stationID)
	return ok && cur == apID
}

// Scanning reports whether a scan is in progress for the station.
func (m *Medium) Scanning(stationID string) bool {
	st, ok := m.stations[stationID]
	return ok && st.scanning
}

// RequestReassociation starts a scan that completes after ScanDuration. A
// nil return means the request was accepted or silently lost, never that
// the station has roamed.
func (m *Medium) RequestReassociation(ctx context.Context, stationID string) error {
	if !m.available {
		return ErrUnavailable
	}
	st, ok := m.stations[stationID]
	if !ok {
		return fmt.Errorf("reassociate %q: %w", stationID, ErrUnknownStation)
	}
	if st.scanning {
		return ErrScanInProgress
	}
	if m.cfg.RequestLossRate > 0 && m.rng.Float64() < m.cfg.RequestLossRate {
		m.log.Debug(ctx, "reassociation request lost", logging.Station(stationID))
		return nil
	}

	st.scanning = true
	m.sched.Schedule(m.sched.Now().Add(m.cfg.ScanDuration), func() { m.completeScan(st) })
	m.log.Debug(ctx, "scan started", logging.Station(stationID))
	return nil
}

// completeScan associates the station with the strongest selectable AP.
func (m *Medium) completeScan(st *station) {
	ctx := context.Background()
	st.scanning = false
	now := m.sched.Now()

	pos, err := m.pos.Position(st.id, now)
	if err != nil {
		m.log.Error(ctx, "scan: station position unavailable", logging.Station(st.id), logging.Err(err))
		return
	}

	best := ""
	bestDbm := 0.0
	for _, ap := range m.aps {
		dbm := m.pathLoss.EstimateRxDbm(ap.TxPowerDbm, ap.Position, pos) + m.shadow()
		if dbm < m.cfg.LinkLossDbm {
			continue
		}
		if best == "" || dbm > bestDbm {
			best, bestDbm = ap.ID, dbm
		}
	}
	if best == "" {
		m.log.Warn(ctx, "scan found no access point", logging.Station(st.id))
		return
	}
	m.associate(ctx, st, best, bestDbm)
}

func (m *Medium) shadow() float64 {
	if m.cfg.ShadowingSigmaDb <= 0 {
		return 0
	}
	return m.shadowing.Rand()
}

func (m *Medium) associate(ctx context.Context, st *station, apID string, dbm float64) {
	st.missed = 0
	if st.serving == apID {
		return
	}
	prev := st.serving
	st.serving = apID
	m.log.Info(ctx, "associated",
		logging.Station(st.id),
		logging.String("from", prev),
		logging.String("to", apID),
		logging.Dbm("rx_dbm", dbm),
	)
	for _, fn := range m.subs {
		fn(st.id, apID)
	}
}

func (m *Medium) disassociate(ctx context.Context, st *station) {
	prev := st.serving
	st.serving = ""
	st.missed = 0
	m.log.Warn(ctx, "beacon loss; disassociated",
		logging.Station(st.id),
		logging.String("from", prev),
	)
	for _, fn := range m.subs {
		fn(st.id, "")
	}
}

// checkBeacons counts consecutive beacons from the serving AP that arrive
// below LinkLossDbm and drops the association after MaxMissedBeacons. An
// unassociated, idle station rescans.
func (m *Medium) checkBeacons(st *station, now time.Time) error {
	if st.scanning {
		return nil
	}
	ctx := context.Background()
	if st.serving == "" {
		st.scanning = true
		m.sched.Schedule(now.Add(m.cfg.ScanDuration), func() { m.completeScan(st) })
		return nil
	}

	var ap *model.AccessPoint
	for i := range m.aps {
		if m.aps[i].ID == st.serving {
			ap = &m.aps[i]
			break
		}
	}
	if ap == nil {
		return fmt.Errorf("station %q served by unknown AP %q", st.id, st.serving)
	}
	pos, err := m.pos.Position(st.id, now)
	if err != nil {
		return fmt.Errorf("beacons for %q: %w", st.id, err)
	}

	if m.pathLoss.EstimateRxDbm(ap.TxPowerDbm, ap.Position, pos) >= m.cfg.LinkLossDbm {
		st.missed = 0
		return nil
	}
	st.missed++
	if st.missed >= m.cfg.MaxMissedBeacons {
		m.disassociate(ctx, st)
	}
	return nil
}
