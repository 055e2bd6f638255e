package handover

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate for degenerate tunables.
var ErrInvalidConfig = errors.New("invalid handover config")

// Defaults taken from the reference roaming scenario.
const (
	DefaultTickPeriod    = 200 * time.Millisecond
	DefaultMinTickPeriod = 200 * time.Millisecond
	DefaultHysteresisDb  = 4.0
	DefaultDwell         = time.Second
	DefaultMinTriggerGap = 2 * time.Second
)

// Config holds the decision engine tunables.
type Config struct {
	// TickPeriod is how often the engine evaluates signal. It is clamped up
	// to MinTickPeriod.
	TickPeriod    time.Duration `mapstructure:"tick_period" yaml:"tick_period"`
	MinTickPeriod time.Duration `mapstructure:"min_tick_period" yaml:"min_tick_period"`

	// HysteresisDb is the margin an alternate AP must beat the serving AP
	// by. The comparison is strict.
	HysteresisDb float64 `mapstructure:"hysteresis_db" yaml:"hysteresis_db"`

	// Dwell is how long the preference must hold before a trigger fires.
	Dwell time.Duration `mapstructure:"dwell" yaml:"dwell"`

	// MinTriggerGap is the minimum time between two fired triggers.
	MinTriggerGap time.Duration `mapstructure:"min_trigger_gap" yaml:"min_trigger_gap"`
}

// DefaultConfig returns the reference tunables.
func DefaultConfig() Config {
	return Config{
		TickPeriod:    DefaultTickPeriod,
		MinTickPeriod: DefaultMinTickPeriod,
		HysteresisDb:  DefaultHysteresisDb,
		Dwell:         DefaultDwell,
		MinTriggerGap: DefaultMinTriggerGap,
	}
}

// EffectiveTick returns the tick period after clamping.
func (c Config) EffectiveTick() time.Duration {
	if c.TickPeriod < c.MinTickPeriod {
		return c.MinTickPeriod
	}
	return c.TickPeriod
}

// Validate rejects non-positive periods and negative margins or durations.
func (c Config) Validate() error {
	switch {
	case c.TickPeriod <= 0:
		return fmt.Errorf("%w: tick period %v must be positive", ErrInvalidConfig, c.TickPeriod)
	case c.MinTickPeriod < 0:
		return fmt.Errorf("%w: min tick period %v must not be negative", ErrInvalidConfig, c.MinTickPeriod)
	case c.HysteresisDb < 0:
		return fmt.Errorf("%w: hysteresis %.2f dB must not be negative", ErrInvalidConfig, c.HysteresisDb)
	case c.Dwell < 0:
		return fmt.Errorf("%w: dwell %v must not be negative", ErrInvalidConfig, c.Dwell)
	case c.MinTriggerGap < 0:
		return fmt.Errorf("%w: min trigger gap %v must not be negative", ErrInvalidConfig, c.MinTriggerGap)
	}
	return nil
}
