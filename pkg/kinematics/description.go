package kinematics

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	pkgerrors "github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

//go:embed data/6dof_arm.json
var default6DofJSON []byte

// Joint types accepted in a description.
const (
	Revolute  = "revolute"
	Prismatic = "prismatic"
)

// World is the implicit root every chain starts from.
const World = "world"

// ErrConfiguration is matched by every ConfigurationError.
var ErrConfiguration = errors.New("malformed kinematic description")

// ConfigurationError describes a malformed kinematic description. It is only ever produced at
// construction time.
type ConfigurationError struct {
	Element string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kinematic description: %s: %s: %v", e.Element, e.Reason, e.Err)
	}
	return fmt.Sprintf("kinematic description: %s: %s", e.Element, e.Reason)
}

// Is makes every ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErr(element, format string, args ...interface{}) error {
	return &ConfigurationError{Element: element, Reason: fmt.Sprintf(format, args...)}
}

// Vector is a JSON {x, y, z} triple in metres, or an axis direction.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ParseConfig returns the vector as an r3.Vector.
func (v Vector) ParseConfig() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// Description is the on-disk kinematic description of a serial-link arm. Links and joints
// alternate from "world" to the end effector, each naming its parent.
type Description struct {
	Name    string                         `json:"name"`
	Gravity *Vector       `json:"gravity,omitempty"`
	Links   []LinkConfig  `json:"links"`
	Joints  []JointConfig `json:"joints"`
}

// LinkConfig is a rigid body fixed to its parent frame. Translation and Orientation locate the
// link frame; CenterOfMass is expressed in that frame.
type LinkConfig struct {
	ID           string                         `json:"id"`
	Parent       string                         `json:"parent"`
	Translation  Vector                         `json:"translation"`
	Orientation  *spatialmath.OrientationConfig `json:"orientation,omitempty"`
	Mass         float64                        `json:"mass"`
	CenterOfMass Vector                         `json:"center_of_mass"`
	// Inertia is a row-major 3x3 tensor about the center of mass, in kg·m².
	Inertia []float64 `json:"inertia,omitempty"`
}

// JointConfig is a single actuated degree of freedom.
type JointConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Parent   string   `json:"parent"`
	Axis     Vector   `json:"axis"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Actuator Actuator `json:"actuator"`
}

// Actuator addresses the hardware module driving a joint.
type Actuator struct {
	Family  string `json:"family,omitempty"`
	Name    string `json:"name,omitempty"`
	ServoID int    `json:"servo_id,omitempty"`
}

// ParseDescription decodes a JSON kinematic description.
func ParseDescription(data []byte) (*Description, error) {
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, &ConfigurationError{Element: "description", Reason: "invalid JSON", Err: err}
	}
	return &desc, nil
}

// LoadDescription reads and decodes a kinematic description file.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{
			Element: "description",
			Reason:  "unreadable file",
			Err:     pkgerrors.Wrapf(err, "reading %s", path),
		}
	}
	return ParseDescription(data)
}

// DefaultDescription returns the embedded 6-DoF arm.
func DefaultDescription() *Description {
	desc, err := ParseDescription(default6DofJSON)
	if err != nil {
		panic(err)
	}
	return desc
}
