package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"

	"armctl/pkg/kinematics"
)

// TicksPerRevolution is the encoder resolution of STS-series servos.
const TicksPerRevolution = 4096

const maxTick = TicksPerRevolution - 1

// ServoCalibration maps one servo's raw encoder ticks to joint radians. The joint zero sits at
// the middle of [RangeMin, RangeMax] shifted by HomingOffset; a non-zero DriveMode inverts the
// direction.
type ServoCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration is keyed by actuator name.
type Calibration map[string]ServoCalibration

func (c ServoCalibration) zero() float64 {
	return float64(c.RangeMin+c.RangeMax)/2 + float64(c.HomingOffset)
}

func (c ServoCalibration) sign() float64 {
	if c.DriveMode != 0 {
		return -1
	}
	return 1
}

// ToRadians converts a raw position to joint radians.
func (c ServoCalibration) ToRadians(raw int) float64 {
	return c.sign() * (float64(raw) - c.zero()) * 2 * math.Pi / TicksPerRevolution
}

// FromRadians converts joint radians to a raw position, clamped to the calibrated range.
func (c ServoCalibration) FromRadians(rad float64) int {
	raw := int(math.Round(c.zero() + c.sign()*rad*TicksPerRevolution/(2*math.Pi)))
	if raw < c.RangeMin {
		raw = c.RangeMin
	}
	if raw > c.RangeMax {
		raw = c.RangeMax
	}
	return raw
}

// Validate checks the calibration parameters.
func (c ServoCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ID)
	}
	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax > maxTick {
		return fmt.Errorf("range values must be between 0-%d, got min=%d max=%d", maxTick, c.RangeMin, c.RangeMax)
	}
	return nil
}

// DefaultCalibration covers every actuator of model with a centered 500-3500 tick range.
func DefaultCalibration(model *kinematics.Model) Calibration {
	cal := make(Calibration, model.DoF())
	for i, j := range model.Joints() {
		id := j.Actuator.ServoID
		if id == 0 {
			id = i + 1
		}
		cal[j.Actuator.Name] = ServoCalibration{ID: id, RangeMin: 500, RangeMax: 3500}
	}
	return cal
}

// LoadCalibrationFile reads a JSON calibration keyed by actuator name.
func LoadCalibrationFile(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calibration file")
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrap(err, "parse calibration JSON")
	}
	for name, c := range cal {
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "actuator %q", name)
		}
	}
	return cal, nil
}

// ForModel orders the calibration by the model's joints. Every actuator must be present and servo
// IDs must be unique.
func (cal Calibration) ForModel(model *kinematics.Model) ([]ServoCalibration, error) {
	out := make([]ServoCalibration, 0, model.DoF())
	seen := make(map[int]string, model.DoF())
	for _, name := range model.JointNames() {
		c, ok := cal[name]
		if !ok {
			return nil, fmt.Errorf("no calibration for actuator %q", name)
		}
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "actuator %q", name)
		}
		if other, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("actuators %q and %q share servo ID %d", other, name, c.ID)
		}
		seen[c.ID] = name
		out = append(out, c)
	}
	return out, nil
}

// Equal reports whether both calibrations hold the same entries.
func (cal Calibration) Equal(other Calibration) bool {
	if len(cal) != len(other) {
		return false
	}
	for name, c := range cal {
		if o, ok := other[name]; !ok || o != c {
			return false
		}
	}
	return true
}
