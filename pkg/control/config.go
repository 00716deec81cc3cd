package control

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Completion policies applied when a trajectory reaches its final waypoint.
const (
	CompletionHold    = "hold"
	CompletionRelease = "release"
)

// Safe-stop policies applied by Stop.
const (
	SafeStopHold       = "hold"
	SafeStopZeroTorque = "zero_torque"
)

const (
	defaultFrequency         = 200.0
	maxFrequency             = 1000.0
	defaultIntegralLimit     = 2.0
	defaultDegradedThreshold = 10
	defaultMaxDtPeriods      = 5
)

// DefaultGains are applied to every joint when Config.Gains is empty.
var DefaultGains = Gains{KP: 8, KI: 0.5, KD: 0.4}

// Config tunes the control loop. Zero values take defaults in Validate.
type Config struct {
	Frequency         float64       `json:"frequency_hz,omitempty"`
	Gains             []Gains       `json:"gains,omitempty"`
	IntegralLimit     float64       `json:"integral_limit,omitempty"`
	MaxDt             time.Duration `json:"max_dt,omitempty"`
	DispatchTimeout   time.Duration `json:"dispatch_timeout,omitempty"`
	DegradedThreshold int           `json:"degraded_threshold,omitempty"`
	Completion        string        `json:"completion,omitempty"`
	SafeStop          string        `json:"safe_stop,omitempty"`
}

// Period returns the tick period.
func (cfg Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / cfg.Frequency)
}

// Validate fills defaults and checks the config for an arm with dof joints.
func (cfg *Config) Validate(dof int) error {
	if cfg.Frequency == 0 {
		cfg.Frequency = defaultFrequency
	}
	if math.IsNaN(cfg.Frequency) || cfg.Frequency < 0 || cfg.Frequency > maxFrequency {
		return errors.Errorf("loop frequency must be in (0, %v] Hz, got %v", maxFrequency, cfg.Frequency)
	}
	switch len(cfg.Gains) {
	case 0:
		cfg.Gains = []Gains{DefaultGains}
	case 1, dof:
	default:
		return errors.Errorf("expected 1 or %d gain sets, got %d", dof, len(cfg.Gains))
	}
	for i, g := range cfg.Gains {
		if g.KP < 0 || g.KI < 0 || g.KD < 0 {
			return errors.Errorf("gain set %d has a negative gain", i)
		}
	}
	if len(cfg.Gains) == 1 && dof > 1 {
		g := cfg.Gains[0]
		cfg.Gains = make([]Gains, dof)
		for i := range cfg.Gains {
			cfg.Gains[i] = g
		}
	}
	if cfg.IntegralLimit == 0 {
		cfg.IntegralLimit = defaultIntegralLimit
	}
	if cfg.IntegralLimit < 0 {
		return errors.New("integral_limit must be positive")
	}
	if cfg.MaxDt == 0 {
		cfg.MaxDt = defaultMaxDtPeriods * cfg.Period()
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = cfg.Period()
	}
	if cfg.MaxDt < 0 || cfg.DispatchTimeout < 0 {
		return errors.New("durations must be positive")
	}
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = defaultDegradedThreshold
	}
	if cfg.DegradedThreshold < 0 {
		return errors.New("degraded_threshold must be positive")
	}
	switch cfg.Completion {
	case "":
		cfg.Completion = CompletionHold
	case CompletionHold, CompletionRelease:
	default:
		return fmt.Errorf("unknown completion policy %q", cfg.Completion)
	}
	switch cfg.SafeStop {
	case "":
		cfg.SafeStop = SafeStopHold
	case SafeStopHold, SafeStopZeroTorque:
	default:
		return fmt.Errorf("unknown safe_stop policy %q", cfg.SafeStop)
	}
	return nil
}
