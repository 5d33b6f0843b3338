package stress

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigInvalid marks fatal configuration problems caught before any
// level runs.
var ErrConfigInvalid = errors.New("invalid stress config")

type Mode string

const (
	ModeRamp      Mode = "ramp"
	ModeSweep     Mode = "sweep"
	ModeSustained Mode = "sustained"
	ModeSpike     Mode = "spike"
)

type ArrivalPattern string

const (
	ArrivalStatic  ArrivalPattern = "static"
	ArrivalPoisson ArrivalPattern = "poisson"
)

// Config describes a stress run. It is immutable once the driver starts.
type Config struct {
	Mode    Mode           `mapstructure:"mode" json:"mode"`
	Arrival ArrivalPattern `mapstructure:"arrival_pattern" json:"arrival_pattern"`

	MinConcurrency int           `mapstructure:"min_concurrency" json:"min_concurrency"`
	MaxConcurrency int           `mapstructure:"max_concurrency" json:"max_concurrency"`
	StepSize       int           `mapstructure:"step_size" json:"step_size"`
	Levels         []int         `mapstructure:"levels" json:"levels,omitempty"`
	LevelDuration  time.Duration `mapstructure:"level_duration" json:"level_duration"`
	TotalDuration  time.Duration `mapstructure:"total_duration" json:"total_duration"`

	BaselineConcurrency int           `mapstructure:"baseline_concurrency" json:"baseline_concurrency"`
	SpikeConcurrency    int           `mapstructure:"spike_concurrency" json:"spike_concurrency"`
	SpikeDuration       time.Duration `mapstructure:"spike_duration" json:"spike_duration"`

	ThinkTime      time.Duration `mapstructure:"think_time" json:"think_time"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	WarmupWindow   time.Duration `mapstructure:"warmup_window" json:"warmup_window"`
	CooldownWindow time.Duration `mapstructure:"cooldown_window" json:"cooldown_window"`

	DegradationFactor float64 `mapstructure:"degradation_factor" json:"degradation_factor"`
	FailureErrorRate  float64 `mapstructure:"failure_error_rate" json:"failure_error_rate"`
	StopOnFailure     bool    `mapstructure:"stop_on_failure" json:"stop_on_failure"`

	// ArrivalRate is the per-client dispatch rate (req/s) for open-loop
	// phases; the aggregate open-loop rate is roughly target concurrency
	// times this value.
	ArrivalRate float64 `mapstructure:"arrival_rate" json:"arrival_rate"`

	ClassifierInterval time.Duration `mapstructure:"classifier_interval" json:"classifier_interval"`

	// Spike recovery sampling. No universal defaults exist for these, so
	// Validate requires both for spike runs.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval" json:"recovery_interval"`
	RecoveryMaxWait  time.Duration `mapstructure:"recovery_max_wait" json:"recovery_max_wait"`
}

// WithDefaults fills unset tunables. It never overrides explicit values.
func (c Config) WithDefaults() Config {
	if c.Arrival == "" {
		c.Arrival = ArrivalStatic
	}
	if c.MinConcurrency == 0 {
		c.MinConcurrency = 1
	}
	if c.StepSize == 0 {
		c.StepSize = 1
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DegradationFactor == 0 {
		c.DegradationFactor = 2.0
	}
	if c.FailureErrorRate == 0 {
		c.FailureErrorRate = 0.05
	}
	if c.ArrivalRate == 0 {
		c.ArrivalRate = 1.0
	}
	if c.ClassifierInterval == 0 {
		c.ClassifierInterval = time.Second
	}
	return c
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeRamp, ModeSweep, ModeSustained, ModeSpike:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfigInvalid, c.Mode)
	}
	switch c.Arrival {
	case ArrivalStatic, ArrivalPoisson:
	default:
		return fmt.Errorf("%w: unknown arrival pattern %q", ErrConfigInvalid, c.Arrival)
	}
	if c.MinConcurrency < 1 {
		return fmt.Errorf("%w: min_concurrency must be >= 1", ErrConfigInvalid)
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return fmt.Errorf("%w: min_concurrency %d > max_concurrency %d",
			ErrConfigInvalid, c.MinConcurrency, c.MaxConcurrency)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrConfigInvalid)
	}
	if c.DegradationFactor <= 0 || c.FailureErrorRate <= 0 {
		return fmt.Errorf("%w: thresholds must be positive", ErrConfigInvalid)
	}

	switch c.Mode {
	case ModeRamp:
		if c.StepSize < 1 {
			return fmt.Errorf("%w: step_size must be >= 1", ErrConfigInvalid)
		}
		if c.LevelDuration <= 0 {
			return fmt.Errorf("%w: ramp needs level_duration", ErrConfigInvalid)
		}
	case ModeSweep:
		if c.LevelDuration <= 0 {
			return fmt.Errorf("%w: sweep needs level_duration", ErrConfigInvalid)
		}
		for _, l := range c.Levels {
			if l < 1 {
				return fmt.Errorf("%w: sweep level %d out of range", ErrConfigInvalid, l)
			}
		}
	case ModeSustained:
		if c.TotalDuration <= 0 {
			return fmt.Errorf("%w: sustained needs total_duration", ErrConfigInvalid)
		}
	case ModeSpike:
		if c.BaselineConcurrency < 1 {
			return fmt.Errorf("%w: spike needs baseline_concurrency", ErrConfigInvalid)
		}
		if c.SpikeConcurrency <= c.BaselineConcurrency {
			return fmt.Errorf("%w: spike_concurrency %d must exceed baseline_concurrency %d",
				ErrConfigInvalid, c.SpikeConcurrency, c.BaselineConcurrency)
		}
		if c.SpikeDuration <= 0 {
			return fmt.Errorf("%w: spike needs spike_duration", ErrConfigInvalid)
		}
		if c.LevelDuration <= 0 {
			return fmt.Errorf("%w: spike needs level_duration for the settling phase", ErrConfigInvalid)
		}
		if c.RecoveryInterval <= 0 || c.RecoveryMaxWait <= 0 {
			return fmt.Errorf("%w: spike needs recovery_interval and recovery_max_wait", ErrConfigInvalid)
		}
	}
	return nil
}

// sweepLevels expands the configured level list, or min, x2, ..., max.
func (c Config) sweepLevels() []int {
	if len(c.Levels) > 0 {
		return c.Levels
	}
	var levels []int
	for l := c.MinConcurrency; l < c.MaxConcurrency; l *= 2 {
		levels = append(levels, l)
	}
	return append(levels, c.MaxConcurrency)
}
