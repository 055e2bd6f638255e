// Package config loads the simulation scenario and tunables from defaults,
// an optional YAML/JSON file, ROAMSIM_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/roaming-simulator/core"
	"github.com/signalsfoundry/roaming-simulator/internal/association"
	"github.com/signalsfoundry/roaming-simulator/internal/handover"
	"github.com/signalsfoundry/roaming-simulator/internal/observability"
	"github.com/signalsfoundry/roaming-simulator/internal/wlan"
	"github.com/signalsfoundry/roaming-simulator/model"
)

// EnvPrefix prefixes every environment override, e.g. ROAMSIM_TUNABLES_DWELL.
const EnvPrefix = "ROAMSIM"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete description of one simulation run.
type Config struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	Seed     uint64        `mapstructure:"seed" yaml:"seed"`

	// Scenario parameterises the default two-AP corridor. Explicit
	// AccessPoints or a station motion override it.
	Scenario ScenarioConfig `mapstructure:"scenario" yaml:"scenario"`

	AccessPoints []AccessPointConfig `mapstructure:"access_points" yaml:"access_points,omitempty"`
	Station      StationConfig       `mapstructure:"station" yaml:"station"`
	Network      NetworkConfig       `mapstructure:"network" yaml:"network"`

	Tunables Tunables    `mapstructure:"tunables" yaml:"tunables"`
	Timing   Timing      `mapstructure:"timing" yaml:"timing"`
	Radio    wlan.Config `mapstructure:"radio" yaml:"radio"`

	Output  OutputConfig                `mapstructure:"output" yaml:"output"`
	Log     LogConfig                   `mapstructure:"log" yaml:"log"`
	Tracing observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig               `mapstructure:"metrics" yaml:"metrics"`
}

// ScenarioConfig mirrors the corridor scenario knobs: two APs ApDistance
// apart and a station walking from one to the other.
type ScenarioConfig struct {
	APDistance   float64       `mapstructure:"ap_distance" yaml:"ap_distance"`
	StationSpeed float64       `mapstructure:"sta_speed" yaml:"sta_speed"`
	MoveStart    time.Duration `mapstructure:"move_start" yaml:"move_start"`
	AP1TxDbm     float64       `mapstructure:"ap1_tx_dbm" yaml:"ap1_tx_dbm"`
	AP2TxDbm     float64       `mapstructure:"ap2_tx_dbm" yaml:"ap2_tx_dbm"`
}

// AccessPointConfig places one access point.
type AccessPointConfig struct {
	ID         string      `mapstructure:"id" yaml:"id"`
	Position   model.Point `mapstructure:"position" yaml:"position"`
	TxPowerDbm float64     `mapstructure:"tx_power_dbm" yaml:"tx_power_dbm"`
}

// StationConfig describes the mobile station.
type StationConfig struct {
	ID     string       `mapstructure:"id" yaml:"id"`
	Motion MotionConfig `mapstructure:"motion" yaml:"motion"`
}

// MotionConfig selects and parameterises a motion model. Times are offsets
// from the start of the run. An empty Kind means "derive from Scenario".
type MotionConfig struct {
	Kind model.MotionKind `mapstructure:"kind" yaml:"kind,omitempty"`
	// Start is the initial position, or the centre for oscillating motion.
	Start     model.Point   `mapstructure:"start" yaml:"start"`
	Velocity  model.Point   `mapstructure:"velocity" yaml:"velocity"`
	Amplitude model.Point   `mapstructure:"amplitude" yaml:"amplitude"`
	Period    time.Duration `mapstructure:"period" yaml:"period"`
	StartAt   time.Duration `mapstructure:"start_at" yaml:"start_at"`
	StopAt    time.Duration `mapstructure:"stop_at" yaml:"stop_at"`
}

// NetworkConfig holds the two subnets of the roaming topology.
type NetworkConfig struct {
	WirelessPrefix string `mapstructure:"wireless_prefix" yaml:"wireless_prefix"`
	BackbonePrefix string `mapstructure:"backbone_prefix" yaml:"backbone_prefix"`
}

// Tunables are the decision and detection knobs.
type Tunables struct {
	// Roaming enables the handover decision engine. Without it the
	// station only changes AP on beacon loss.
	Roaming       bool               `mapstructure:"roaming" yaml:"roaming"`
	DecisionTick  time.Duration      `mapstructure:"decision_tick" yaml:"decision_tick"`
	MinTick       time.Duration      `mapstructure:"min_tick" yaml:"min_tick"`
	DetectorPoll  time.Duration      `mapstructure:"detector_poll" yaml:"detector_poll"`
	HysteresisDb  float64            `mapstructure:"hysteresis_db" yaml:"hysteresis_db"`
	Dwell         time.Duration      `mapstructure:"dwell" yaml:"dwell"`
	MinTriggerGap time.Duration      `mapstructure:"min_trigger_gap" yaml:"min_trigger_gap"`
	PathLoss      core.PathLossModel `mapstructure:"path_loss" yaml:"path_loss"`
}

// Timing sets when each component starts, as offsets from the run start.
type Timing struct {
	AssocStart    time.Duration `mapstructure:"assoc_start" yaml:"assoc_start"`
	DecisionStart time.Duration `mapstructure:"decision_start" yaml:"decision_start"`
	DetectorStart time.Duration `mapstructure:"detector_start" yaml:"detector_start"`
}

// OutputConfig controls the CSV artefacts of a run. An empty Dir disables
// file output.
type OutputConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	Tag          string        `mapstructure:"tag" yaml:"tag"`
	SamplePeriod time.Duration `mapstructure:"sample_period" yaml:"sample_period"`
}

// LogConfig mirrors logging.Config for file and env driven setup.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr, when set, serves /metrics there for the duration of the run.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the reference corridor scenario.
func Default() Config {
	hc := handover.DefaultConfig()
	return Config{
		Duration: 30 * time.Second,
		Seed:     1,
		Scenario: ScenarioConfig{
			APDistance:   30,
			StationSpeed: 1,
			MoveStart:    5 * time.Second,
			AP1TxDbm:     20,
			AP2TxDbm:     16,
		},
		Station: StationConfig{ID: "sta"},
		Network: NetworkConfig{
			WirelessPrefix: "10.1.0.0/24",
			BackbonePrefix: "10.2.0.0/24",
		},
		Tunables: Tunables{
			Roaming:       true,
			DecisionTick:  hc.TickPeriod,
			MinTick:       hc.MinTickPeriod,
			DetectorPoll:  association.DefaultPollPeriod,
			HysteresisDb:  hc.HysteresisDb,
			Dwell:         hc.Dwell,
			MinTriggerGap: hc.MinTriggerGap,
			PathLoss:      core.DefaultPathLossModel(),
		},
		Timing: Timing{
			DecisionStart: time.Second,
		},
		Radio: wlan.DefaultConfig(),
		Output: OutputConfig{
			Tag:          "run1",
			SamplePeriod: 200 * time.Millisecond,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Handover returns the decision engine configuration.
func (t Tunables) Handover() handover.Config {
	return handover.Config{
		TickPeriod:    t.DecisionTick,
		MinTickPeriod: t.MinTick,
		HysteresisDb:  t.HysteresisDb,
		Dwell:         t.Dwell,
		MinTriggerGap: t.MinTriggerGap,
	}
}

// Detector returns the detector configuration. With roaming enabled the
// poll period is clamped up to MinTick.
func (t Tunables) Detector() association.Config {
	poll := t.DetectorPoll
	if t.Roaming && poll < t.MinTick {
		poll = t.MinTick
	}
	return association.Config{PollPeriod: poll}
}

// ResolvedAccessPoints returns the explicit access points, or the two
// corridor APs derived from Scenario.
func (c Config) ResolvedAccessPoints() []AccessPointConfig {
	if len(c.AccessPoints) > 0 {
		return c.AccessPoints
	}
	return []AccessPointConfig{
		{ID: "ap1", Position: model.Point{}, TxPowerDbm: c.Scenario.AP1TxDbm},
		{ID: "ap2", Position: model.Point{X: c.Scenario.APDistance}, TxPowerDbm: c.Scenario.AP2TxDbm},
	}
}

// ServerPosition places the server midway along the corridor, one metre off
// axis.
func (c Config) ServerPosition() model.Point {
	return model.Point{X: c.Scenario.APDistance / 2, Y: 1}
}

// ResolvedMotion returns the explicit station motion, or the corridor walk:
// start 2 m from ap1, move at StationSpeed from MoveStart and stop 2 m
// short of ap2 or just before the end of the run.
func (c Config) ResolvedMotion() MotionConfig {
	if c.Station.Motion.Kind != "" {
		return c.Station.Motion
	}
	s := c.Scenario
	travel := time.Duration(0)
	if s.StationSpeed > 0 && s.APDistance > 4 {
		travel = time.Duration((s.APDistance - 4) / s.StationSpeed * float64(time.Second))
	}
	stop := s.MoveStart + travel
	if limit := c.Duration - 100*time.Millisecond; stop > limit {
		stop = limit
	}
	return MotionConfig{
		Kind:     model.MotionLinear,
		Start:    model.Point{X: 2},
		Velocity: model.Point{X: s.StationSpeed},
		StartAt:  s.MoveStart,
		StopAt:   stop,
	}
}

// MotionModel builds the station motion model for a run starting at epoch.
func (m MotionConfig) MotionModel(epoch time.Time) (core.MotionModel, error) {
	switch m.Kind {
	case model.MotionStatic:
		return &core.StaticMotion{Position: m.Start}, nil
	case model.MotionLinear:
		lm := &core.LinearMotion{Start: m.Start, Velocity: m.Velocity, StartAt: epoch.Add(m.StartAt)}
		if m.StopAt > 0 {
			lm.StopAt = epoch.Add(m.StopAt)
		}
		return lm, nil
	case model.MotionOscillating:
		return &core.OscillatingMotion{
			Center:    m.Start,
			Amplitude: m.Amplitude,
			Period:    m.Period,
			StartAt:   epoch.Add(m.StartAt),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown motion kind %q", ErrInvalidConfig, m.Kind)
	}
}

// Prefixes parses the wireless and backbone prefixes.
func (n NetworkConfig) Prefixes() (wireless, backbone netip.Prefix, err error) {
	wireless, err = netip.ParsePrefix(n.WirelessPrefix)
	if err != nil {
		return wireless, backbone, fmt.Errorf("%w: wireless prefix: %v", ErrInvalidConfig, err)
	}
	backbone, err = netip.ParsePrefix(n.BackbonePrefix)
	if err != nil {
		return wireless, backbone, fmt.Errorf("%w: backbone prefix: %v", ErrInvalidConfig, err)
	}
	if !wireless.Addr().Is4() || !backbone.Addr().Is4() {
		return wireless, backbone, fmt.Errorf("%w: only IPv4 prefixes are supported", ErrInvalidConfig)
	}
	if wireless.Overlaps(backbone) {
		return wireless, backbone, fmt.Errorf("%w: wireless %s overlaps backbone %s", ErrInvalidConfig, wireless, backbone)
	}
	return wireless.Masked(), backbone.Masked(), nil
}

// Validate rejects degenerate input before a run starts.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Duration <= 0 {
		add("duration %v must be positive", c.Duration)
	}
	if err := c.Tunables.Handover().Validate(); err != nil {
		errs = append(errs, err)
	}
	// Check the raw poll period; Detector() clamps it when roaming.
	if c.Tunables.DetectorPoll <= 0 {
		add("detector poll %v must be positive", c.Tunables.DetectorPoll)
	} else if err := c.Tunables.Detector().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Radio.Validate(); err != nil {
		errs = append(errs, err)
	}
	if pl := c.Tunables.PathLoss; pl.Exponent <= 0 || pl.ReferenceDistanceM < 0 || pl.MinDistanceM < 0 {
		add("path loss exponent %.2f and distances must be positive", pl.Exponent)
	}
	for _, start := range []struct {
		name string
		d    time.Duration
	}{
		{"assoc_start", c.Timing.AssocStart},
		{"decision_start", c.Timing.DecisionStart},
		{"detector_start", c.Timing.DetectorStart},
		{"move_start", c.Scenario.MoveStart},
	} {
		if start.d < 0 {
			add("%s %v must not be negative", start.name, start.d)
		}
	}
	if c.Output.SamplePeriod < 0 {
		add("sample period %v must not be negative", c.Output.SamplePeriod)
	}

	aps := c.ResolvedAccessPoints()
	if len(aps) < 2 {
		add("need at least two access points, have %d", len(aps))
	}
	seen := make(map[string]bool, len(aps))
	for _, ap := range aps {
		if ap.ID == "" {
			add("access point without id")
		}
		if seen[ap.ID] {
			add("duplicate access point id %q", ap.ID)
		}
		seen[ap.ID] = true
	}
	if c.Station.ID == "" || seen[c.Station.ID] {
		add("station id %q must be set and distinct from access points", c.Station.ID)
	}
	if len(c.AccessPoints) == 0 && (c.Scenario.APDistance <= 0 || c.Scenario.StationSpeed <= 0) {
		add("ap_distance and sta_speed must be positive")
	}
	if _, err := c.ResolvedMotion().MotionModel(time.Time{}); err != nil {
		errs = append(errs, err)
	}

	if wireless, _, err := c.Network.Prefixes(); err != nil {
		errs = append(errs, err)
	} else if hosts := 1<<(32-wireless.Bits()) - 2; len(aps)+1 > hosts {
		add("wireless prefix %s cannot hold %d nodes", wireless, len(aps)+1)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// New returns a viper instance carrying every default and reading
// ROAMSIM_* environment overrides.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The collector endpoint is commonly exported under its own name.
	_ = v.BindEnv("tracing.endpoint", EnvPrefix+"_TRACING_ENDPOINT", EnvPrefix+"_OTLP_ENDPOINT")
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("duration", d.Duration)
	v.SetDefault("seed", d.Seed)

	v.SetDefault("scenario.ap_distance", d.Scenario.APDistance)
	v.SetDefault("scenario.sta_speed", d.Scenario.StationSpeed)
	v.SetDefault("scenario.move_start", d.Scenario.MoveStart)
	v.SetDefault("scenario.ap1_tx_dbm", d.Scenario.AP1TxDbm)
	v.SetDefault("scenario.ap2_tx_dbm", d.Scenario.AP2TxDbm)

	v.SetDefault("station.id", d.Station.ID)
	v.SetDefault("network.wireless_prefix", d.Network.WirelessPrefix)
	v.SetDefault("network.backbone_prefix", d.Network.BackbonePrefix)

	t := d.Tunables
	v.SetDefault("tunables.roaming", t.Roaming)
	v.SetDefault("tunables.decision_tick", t.DecisionTick)
	v.SetDefault("tunables.min_tick", t.MinTick)
	v.SetDefault("tunables.detector_poll", t.DetectorPoll)
	v.SetDefault("tunables.hysteresis_db", t.HysteresisDb)
	v.SetDefault("tunables.dwell", t.Dwell)
	v.SetDefault("tunables.min_trigger_gap", t.MinTriggerGap)
	v.SetDefault("tunables.path_loss.exponent", t.PathLoss.Exponent)
	v.SetDefault("tunables.path_loss.reference_distance_m", t.PathLoss.ReferenceDistanceM)
	v.SetDefault("tunables.path_loss.reference_loss_db", t.PathLoss.ReferenceLossDb)
	v.SetDefault("tunables.path_loss.min_distance_m", t.PathLoss.MinDistanceM)

	v.SetDefault("timing.assoc_start", d.Timing.AssocStart)
	v.SetDefault("timing.decision_start", d.Timing.DecisionStart)
	v.SetDefault("timing.detector_start", d.Timing.DetectorStart)

	r := d.Radio
	v.SetDefault("radio.assoc_delay", r.AssocDelay)
	v.SetDefault("radio.scan_duration", r.ScanDuration)
	v.SetDefault("radio.shadowing_sigma_db", r.ShadowingSigmaDb)
	v.SetDefault("radio.request_loss_rate", r.RequestLossRate)
	v.SetDefault("radio.beacon_interval", r.BeaconInterval)
	v.SetDefault("radio.link_loss_dbm", r.LinkLossDbm)
	v.SetDefault("radio.max_missed_beacons", r.MaxMissedBeacons)
	v.SetDefault("radio.seed", r.Seed)

	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.tag", d.Output.Tag)
	v.SetDefault("output.sample_period", d.Output.SamplePeriod)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"duration":       "duration",
	"seed":           "seed",
	"ap-distance":    "scenario.ap_distance",
	"sta-speed":      "scenario.sta_speed",
	"move-start":     "scenario.move_start",
	"ap1-tx-dbm":     "scenario.ap1_tx_dbm",
	"ap2-tx-dbm":     "scenario.ap2_tx_dbm",
	"roaming":        "tunables.roaming",
	"roam-check":     "tunables.decision_tick",
	"roam-poll":      "tunables.detector_poll",
	"roam-hyst-db":   "tunables.hysteresis_db",
	"roam-dwell":     "tunables.dwell",
	"roam-min-gap":   "tunables.min_trigger_gap",
	"log-exp":        "tunables.path_loss.exponent",
	"shadowing-db":   "radio.shadowing_sigma_db",
	"out-dir":        "output.dir",
	"tag":            "output.tag",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"metrics-addr":   "metrics.addr",
	"trace":          "tracing.enabled",
	"trace-exporter": "tracing.exporter",
}

// AddFlags registers the run flags on fs and binds them to v. Flag
// defaults are only documentation: unset flags never override file or
// environment values.
func AddFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	d := Default()
	fs.Duration("duration", d.Duration, "Simulation time")
	fs.Uint64("seed", d.Seed, "RNG seed")
	fs.Float64("ap-distance", d.Scenario.APDistance, "AP1-AP2 distance (m)")
	fs.Float64("sta-speed", d.Scenario.StationSpeed, "Station speed (m/s)")
	fs.Duration("move-start", d.Scenario.MoveStart, "Station movement start time")
	fs.Float64("ap1-tx-dbm", d.Scenario.AP1TxDbm, "AP1 transmit power (dBm)")
	fs.Float64("ap2-tx-dbm", d.Scenario.AP2TxDbm, "AP2 transmit power (dBm)")
	fs.Bool("roaming", d.Tunables.Roaming, "Enable signal-based roaming decisions")
	fs.Duration("roam-check", d.Tunables.DecisionTick, "Roam decision period")
	fs.Duration("roam-poll", d.Tunables.DetectorPoll, "Association polling period")
	fs.Float64("roam-hyst-db", d.Tunables.HysteresisDb, "Roam hysteresis (dB)")
	fs.Duration("roam-dwell", d.Tunables.Dwell, "Roam dwell time")
	fs.Duration("roam-min-gap", d.Tunables.MinTriggerGap, "Minimum gap between roam triggers")
	fs.Float64("log-exp", d.Tunables.PathLoss.Exponent, "Log-distance path loss exponent")
	fs.Float64("shadowing-db", d.Radio.ShadowingSigmaDb, "Shadowing sigma applied to scans (dB)")
	fs.String("out-dir", d.Output.Dir, "Output directory for CSV files (empty disables)")
	fs.String("tag", d.Output.Tag, "Run tag used in per-run file names")
	fs.String("log-level", d.Log.Level, "Log level: debug|info|warn|error")
	fs.String("log-format", d.Log.Format, "Log format: text|json")
	fs.String("metrics-addr", d.Metrics.Addr, "Serve Prometheus metrics on this address")
	fs.Bool("trace", d.Tracing.Enabled, "Enable OpenTelemetry tracing")
	fs.String("trace-exporter", d.Tracing.Exporter, "Tracing exporter: stdout|otlp")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
