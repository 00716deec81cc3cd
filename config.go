package armctl

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"armctl/pkg/control"
	"armctl/pkg/feedback"
	"armctl/pkg/kinematics"
	"armctl/pkg/transport"
)

// Transports selectable in Config.Transport.
const (
	TransportSim     = "sim"
	TransportFeetech = "feetech"
)

// Config is the controller's attribute block.
type Config struct {
	// Transport is "sim" or "feetech". It defaults to "feetech" when a port is set and "sim"
	// otherwise.
	Transport string        `json:"transport,omitempty"`
	Port      string        `json:"port,omitempty"`
	Baudrate  int           `json:"baudrate,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	// ModelFile is a kinematic description; the built-in 6-DoF arm is used when empty.
	ModelFile       string `json:"model_file,omitempty"`
	CalibrationFile string `json:"calibration_file,omitempty"`

	FrequencyHz       float64         `json:"frequency_hz,omitempty"`
	Gains             []control.Gains `json:"gains,omitempty"`
	IntegralLimit     float64         `json:"integral_limit,omitempty"`
	DegradedThreshold int             `json:"degraded_threshold,omitempty"`
	Completion        string          `json:"completion,omitempty"`
	SafeStop          string          `json:"safe_stop,omitempty"`

	// EffortCompliance is the position offset per N·m added to feetech targets, in rad/(N·m).
	EffortCompliance float64 `json:"effort_compliance,omitempty"`

	// InputController names an input controller whose buttons drive the arm.
	InputController string `json:"input_controller,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Transport == "" {
		cfg.Transport = TransportSim
		if cfg.Port != "" {
			cfg.Transport = TransportFeetech
		}
	}
	switch cfg.Transport {
	case TransportSim:
	case TransportFeetech:
		if cfg.Port == "" {
			return nil, nil, fmt.Errorf("%s: must specify port for serial communication", path)
		}
	default:
		return nil, nil, fmt.Errorf("%s: unknown transport %q, expected %q or %q", path, cfg.Transport, TransportSim, TransportFeetech)
	}
	if cfg.Baudrate < 0 || cfg.Timeout < 0 {
		return nil, nil, fmt.Errorf("%s: baudrate and timeout must be positive", path)
	}
	if cfg.EffortCompliance < 0 {
		return nil, nil, fmt.Errorf("%s: effort_compliance must be positive", path)
	}

	// the joint count is only known once the model is loaded, so accept any gain list here
	loopCfg := cfg.ControlConfig()
	dof := len(cfg.Gains)
	if dof < 1 {
		dof = 1
	}
	if err := loopCfg.Validate(dof); err != nil {
		return nil, nil, errors.Wrap(err, path)
	}

	var deps []string
	if cfg.InputController != "" {
		deps = append(deps, cfg.InputController)
	}
	return deps, nil, nil
}

// ControlConfig returns the loop settings.
func (cfg *Config) ControlConfig() control.Config {
	return control.Config{
		Frequency:         cfg.FrequencyHz,
		Gains:             append([]control.Gains(nil), cfg.Gains...),
		IntegralLimit:     cfg.IntegralLimit,
		DegradedThreshold: cfg.DegradedThreshold,
		Completion:        cfg.Completion,
		SafeStop:          cfg.SafeStop,
	}
}

// resolveDataPath makes relative paths relative to VIAM_MODULE_DATA.
func resolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

// LoadModel loads the configured kinematic model.
func (cfg *Config) LoadModel(logger logging.Logger) (*kinematics.Model, error) {
	if cfg.ModelFile == "" {
		logger.Debug("No model file specified, using the built-in 6-DoF arm")
		return kinematics.NewDefaultModel()
	}
	path := resolveDataPath(cfg.ModelFile)
	desc, err := kinematics.LoadDescription(path)
	if err != nil {
		return nil, err
	}
	model, err := kinematics.NewModel(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", path)
	}
	logger.Infof("Loaded %d-joint model %q from %s", model.DoF(), model.Name(), path)
	return model, nil
}

// LoadCalibration loads the configured servo calibration, or a default covering every actuator of
// model when none is configured.
func (cfg *Config) LoadCalibration(model *kinematics.Model, logger logging.Logger) (transport.Calibration, error) {
	if cfg.CalibrationFile == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return transport.DefaultCalibration(model), nil
	}
	path := resolveDataPath(cfg.CalibrationFile)
	cal, err := transport.LoadCalibrationFile(path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Successfully loaded calibration from %s", path)
	return cal, nil
}

// NewTransport builds the configured transport publishing into cache.
func (cfg *Config) NewTransport(
	model *kinematics.Model,
	cache *feedback.Cache,
	logger logging.Logger,
) (transport.Transport, error) {
	switch cfg.Transport {
	case TransportFeetech:
		cal, err := cfg.LoadCalibration(model, logger)
		if err != nil {
			return nil, err
		}
		hw, err := transport.NewFeetech(model, cache, nil, logger, transport.FeetechConfig{
			Bus: transport.BusConfig{
				Port:     cfg.Port,
				BaudRate: cfg.Baudrate,
				Timeout:  cfg.Timeout,
			},
			Calibration:      cal,
			EffortCompliance: cfg.EffortCompliance,
		})
		if err != nil {
			return nil, err
		}
		return hw, nil
	case TransportSim, "":
		sim, err := transport.NewSim(model, cache, logger, transport.SimConfig{})
		if err != nil {
			return nil, err
		}
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
