package kinematics

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/spatialmath"

	"armctl/pkg/joint"
)

const (
	l1, l1c, m1 = 0.4, 0.2, 2.0
	l2, l2c, m2 = 0.3, 0.1, 1.5
	g           = 9.81
)

func tc(x, y, z float64) Vector {
	return Vector{X: x, Y: y, Z: z}
}

// planarDescription is a two-link arm moving in the x-z plane with both axes along +y.
func planarDescription() *Description {
	return &Description{
		Name: "planar",
		Links: []LinkConfig{
			{ID: "base", Parent: World},
			{ID: "link1", Parent: "j1", Translation: tc(l1, 0, 0), Mass: m1, CenterOfMass: tc(l1c-l1, 0, 0)},
			{ID: "link2", Parent: "j2", Translation: tc(l2, 0, 0), Mass: m2, CenterOfMass: tc(l2c-l2, 0, 0)},
		},
		Joints: []JointConfig{
			{ID: "j1", Type: Revolute, Parent: "base", Axis: tc(0, 1, 0)},
			{ID: "j2", Type: Revolute, Parent: "link1", Axis: tc(0, 1, 0)},
		},
	}
}

func planarModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(planarDescription())
	require.NoError(t, err)
	return m
}

func TestGravityTorquesPlanarTwoLink(t *testing.T) {
	m := planarModel(t)
	require.Equal(t, 2, m.DoF())

	t.Run("horizontal matches closed form", func(t *testing.T) {
		tau, err := m.GravityTorques([]float64{0, 0})
		require.NoError(t, err)
		assert.InDelta(t, -g*(m1*l1c+m2*(l1+l2c)), tau[0], 1e-9)
		assert.InDelta(t, -g*m2*l2c, tau[1], 1e-9)
	})

	t.Run("hanging straight down needs no torque", func(t *testing.T) {
		tau, err := m.GravityTorques([]float64{math.Pi / 2, 0})
		require.NoError(t, err)
		assert.InDelta(t, 0, tau[0], 1e-9)
		assert.InDelta(t, 0, tau[1], 1e-9)
	})

	t.Run("elbow folded up", func(t *testing.T) {
		// link2 points straight up, so only link1 loads the shoulder horizontally
		tau, err := m.GravityTorques([]float64{0, -math.Pi / 2})
		require.NoError(t, err)
		assert.InDelta(t, -g*(m1*l1c+m2*l1), tau[0], 1e-9)
		assert.InDelta(t, 0, tau[1], 1e-9)
	})
}

func TestGravityTorquesVerticalAxis(t *testing.T) {
	m, err := NewDefaultModel()
	require.NoError(t, err)

	for _, q := range [][]float64{
		{0, 0, 0, 0, 0, 0},
		{0.7, -0.3, 1.1, 0.2, -0.5, 0.9},
		{-2, 1, -1, 0.5, 2, -1},
	} {
		tau, err := m.GravityTorques(q)
		require.NoError(t, err)
		assert.InDelta(t, 0, tau[0], 1e-9, "base joint is parallel to gravity")
	}
}

func TestGravityTorquesPrismatic(t *testing.T) {
	desc := &Description{
		Links: []LinkConfig{
			{ID: "base", Parent: World},
			{ID: "carriage", Parent: "lift", Mass: 3, CenterOfMass: tc(0.1, 0, 0)},
		},
		Joints: []JointConfig{{ID: "lift", Type: Prismatic, Parent: "base", Axis: tc(0, 0, 2)}},
	}
	m, err := NewModel(desc)
	require.NoError(t, err)

	tau, err := m.GravityTorques([]float64{0.25})
	require.NoError(t, err)
	assert.InDelta(t, 3*g, tau[0], 1e-9)

	pose, err := m.ForwardKinematics([]float64{0.25})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, pose.Point().Z, 1e-9)
}

func TestForwardKinematics(t *testing.T) {
	m := planarModel(t)

	pose, err := m.ForwardKinematics([]float64{0, 0})
	require.NoError(t, err)
	assert.True(t, spatialmath.R3VectorAlmostEqual(r3.Vector{X: l1 + l2}, pose.Point(), 1e-9))

	pose, err = m.ForwardKinematics([]float64{math.Pi / 2, 0})
	require.NoError(t, err)
	assert.True(t, spatialmath.R3VectorAlmostEqual(r3.Vector{Z: -(l1 + l2)}, pose.Point(), 1e-9))
}

func TestJacobianMatchesFiniteDifference(t *testing.T) {
	m, err := NewDefaultModel()
	require.NoError(t, err)

	q := []float64{0.3, -0.4, 0.8, 0.1, -0.6, 0.5}
	jac, err := m.Jacobian(q)
	require.NoError(t, err)
	rows, cols := jac.Dims()
	require.Equal(t, 6, rows)
	require.Equal(t, 6, cols)

	base, err := m.ForwardKinematics(q)
	require.NoError(t, err)
	const h = 1e-6
	for i := range q {
		dq := joint.Copy(q)
		dq[i] += h
		moved, err := m.ForwardKinematics(dq)
		require.NoError(t, err)
		d := moved.Point().Sub(base.Point()).Mul(1 / h)
		assert.InDelta(t, d.X, jac.At(0, i), 1e-4, "joint %d x", i)
		assert.InDelta(t, d.Y, jac.At(1, i), 1e-4, "joint %d y", i)
		assert.InDelta(t, d.Z, jac.At(2, i), 1e-4, "joint %d z", i)
	}
}

func TestJointInertia(t *testing.T) {
	m := planarModel(t)
	inertia, err := m.JointInertia([]float64{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, m1*l1c*l1c+m2*(l1+l2c)*(l1+l2c), inertia[0], 1e-9)
	assert.InDelta(t, m2*l2c*l2c, inertia[1], 1e-9)

	def, err := NewDefaultModel()
	require.NoError(t, err)
	inertia, err = def.JointInertia(make([]float64, 6))
	require.NoError(t, err)
	for i, v := range inertia {
		assert.Greater(t, v, 0.0, "joint %d", i)
	}
}

func TestDimensionMismatch(t *testing.T) {
	m := planarModel(t)
	_, err := m.GravityTorques([]float64{0})
	assert.True(t, errors.Is(err, joint.ErrDimensionMismatch))
	_, err = m.ForwardKinematics([]float64{0, 0, 0})
	assert.True(t, errors.Is(err, joint.ErrDimensionMismatch))
}

func TestDefaultModel(t *testing.T) {
	m, err := NewDefaultModel()
	require.NoError(t, err)
	assert.Equal(t, "6-dof-arm", m.Name())
	assert.Equal(t, []string{"J1_base", "J2_shoulder", "J3_elbow", "J4_wrist1", "J5_wrist2", "J6_wrist3"}, m.JointNames())
	for i, j := range m.Joints() {
		assert.Equal(t, "Arm", j.Actuator.Family)
		assert.Equal(t, i+1, j.Actuator.ServoID)
	}
	assert.Len(t, m.Limits(), 6)
	assert.Equal(t, DefaultGravity, m.Gravity())
}

func TestNewModelConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Description)
		reason string
	}{
		{"no joints", func(d *Description) { d.Joints = nil }, "no joints"},
		{"missing link", func(d *Description) { d.Joints[1].Parent = "link9" }, "missing link"},
		{"unknown joint type", func(d *Description) { d.Joints[0].Type = "spherical" }, "unknown joint type"},
		{"zero axis", func(d *Description) { d.Joints[0].Axis = tc(0, 0, 0) }, "zero axis"},
		{"negative mass", func(d *Description) { d.Links[1].Mass = -1 }, "negative mass"},
		{"duplicate id", func(d *Description) { d.Links[2].ID = "link1" }, "duplicate id"},
		{"bad inertia size", func(d *Description) { d.Links[1].Inertia = []float64{1, 2} }, "inertia needs 9"},
		{"asymmetric inertia", func(d *Description) {
			d.Links[1].Inertia = []float64{1, 0.5, 0, 0, 1, 0, 0, 0, 1}
		}, "not symmetric"},
		{"branching", func(d *Description) {
			d.Links = append(d.Links, LinkConfig{ID: "side", Parent: "j1"})
		}, "branches"},
		{"duplicate actuator", func(d *Description) {
			d.Joints[0].Actuator.Name = "a"
			d.Joints[1].Actuator.Name = "a"
		}, "drives more than one joint"},
		{"inverted limits", func(d *Description) {
			lo, hi := 1.0, -1.0
			d.Joints[0].Min, d.Joints[0].Max = &lo, &hi
		}, "invalid limits"},
		{"unreachable cycle", func(d *Description) {
			d.Links = append(d.Links,
				LinkConfig{ID: "loopA", Parent: "loopB"},
				LinkConfig{ID: "loopB", Parent: "loopA"})
		}, "not reachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := planarDescription()
			tt.mutate(desc)
			_, err := NewModel(desc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestLoadDescription(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "arm.json")
	require.NoError(t, os.WriteFile(good, default6DofJSON, 0o644))
	desc, err := LoadDescription(good)
	require.NoError(t, err)
	assert.Len(t, desc.Joints, 6)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{links: ["), 0o644))
	_, err = LoadDescription(bad)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = LoadDescription(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestParseDescriptionVectors(t *testing.T) {
	desc, err := ParseDescription([]byte(`{
		"name": "lift",
		"gravity": {"x": 0, "y": -9.8, "z": 0},
		"links": [
			{"id": "base", "parent": "world", "translation": {"x": 0.1, "y": 0.2, "z": 0.3}},
			{"id": "carriage", "parent": "lift", "mass": 2, "center_of_mass": {"x": 0, "y": 0.05, "z": 0}}
		],
		"joints": [{"id": "lift", "type": "prismatic", "parent": "base", "axis": {"x": 0, "y": 1, "z": 0}}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}, desc.Links[0].Translation.ParseConfig())
	assert.Equal(t, Vector{Y: 1}, desc.Joints[0].Axis)

	m, err := NewModel(desc)
	require.NoError(t, err)
	assert.Equal(t, r3.Vector{Y: -9.8}, m.Gravity())

	tau, err := m.GravityTorques([]float64{0})
	require.NoError(t, err)
	assert.InDelta(t, 2*9.8, tau[0], 1e-9)
}
