// Package kinematics implements the kinematic and gravity model of a serial-link arm.
package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"armctl/pkg/joint"
)

// DefaultGravity is used when a description omits gravity.
var DefaultGravity = r3.Vector{X: 0, Y: 0, Z: -9.81}

type elementKind int

const (
	fixedElement elementKind = iota
	revoluteElement
	prismaticElement
)

type element struct {
	id   string
	kind elementKind

	// fixed links
	pose    spatialmath.Pose
	mass    float64
	com     r3.Vector
	inertia *mat.SymDense

	// joints, unit axis in the parent frame
	axis  r3.Vector
	index int
}

// Joint is the read-only view of one degree of freedom.
type Joint struct {
	ID       string
	Type     string
	Axis     r3.Vector
	Min, Max float64
	Actuator Actuator
}

// Model is an immutable serial chain. It is safe for concurrent use.
type Model struct {
	name    string
	gravity r3.Vector
	chain   []element
	joints  []Joint
}

type jointFrame struct {
	origin r3.Vector
	axis   r3.Vector
	kind   elementKind
}

type linkFrame struct {
	com     r3.Vector
	orient  spatialmath.Orientation
	mass    float64
	inertia *mat.SymDense
	// driven is the number of joints upstream of the link.
	driven int
}

// Name returns the description name.
func (m *Model) Name() string {
	return m.name
}

// DoF returns the number of joints.
func (m *Model) DoF() int {
	return len(m.joints)
}

// Gravity returns the gravitational acceleration vector in the world frame.
func (m *Model) Gravity() r3.Vector {
	return m.gravity
}

// Joints returns the joints in chain order.
func (m *Model) Joints() []Joint {
	out := make([]Joint, len(m.joints))
	copy(out, m.joints)
	return out
}

// JointNames returns the actuator name of every joint, in chain order.
func (m *Model) JointNames() []string {
	names := make([]string, len(m.joints))
	for i, j := range m.joints {
		names[i] = j.Actuator.Name
	}
	return names
}

// Limits returns [min, max] for every joint.
func (m *Model) Limits() [][2]float64 {
	limits := make([][2]float64, len(m.joints))
	for i, j := range m.joints {
		limits[i] = [2]float64{j.Min, j.Max}
	}
	return limits
}

// ForwardKinematics returns the end-effector pose in the world frame, in metres.
func (m *Model) ForwardKinematics(q []float64) (spatialmath.Pose, error) {
	_, _, ee, err := m.walk(q)
	return ee, err
}

// Jacobian returns the 6xn geometric Jacobian of the end effector; rows 0-2 are linear and
// rows 3-5 angular.
func (m *Model) Jacobian(q []float64) (*mat.Dense, error) {
	joints, _, ee, err := m.walk(q)
	if err != nil {
		return nil, err
	}
	n := m.DoF()
	jac := mat.NewDense(6, n, nil)
	p := ee.Point()
	for i, jf := range joints {
		switch jf.kind {
		case revoluteElement:
			lin := jf.axis.Cross(p.Sub(jf.origin))
			jac.Set(0, i, lin.X)
			jac.Set(1, i, lin.Y)
			jac.Set(2, i, lin.Z)
			jac.Set(3, i, jf.axis.X)
			jac.Set(4, i, jf.axis.Y)
			jac.Set(5, i, jf.axis.Z)
		case prismaticElement:
			jac.Set(0, i, jf.axis.X)
			jac.Set(1, i, jf.axis.Y)
			jac.Set(2, i, jf.axis.Z)
		}
	}
	return jac, nil
}

// GravityTorques returns the joint torques that cancel the gravitational load of every link at
// configuration q, computed as the sum of J_ck^T (-m_k g) over all links.
func (m *Model) GravityTorques(q []float64) ([]float64, error) {
	joints, links, _, err := m.walk(q)
	if err != nil {
		return nil, err
	}
	n := m.DoF()
	tau := mat.NewVecDense(n, nil)
	for _, lf := range links {
		if lf.driven == 0 {
			continue
		}
		force := mat.NewVecDense(3, []float64{
			-lf.mass * m.gravity.X,
			-lf.mass * m.gravity.Y,
			-lf.mass * m.gravity.Z,
		})
		jv := linearJacobian(joints[:lf.driven], lf.com, n)
		var contrib mat.VecDense
		contrib.MulVec(jv.T(), force)
		tau.AddVec(tau, &contrib)
	}
	out := make([]float64, n)
	copy(out, tau.RawVector().Data)
	return out, nil
}

// JointInertia returns the diagonal of the joint-space mass matrix at q.
func (m *Model) JointInertia(q []float64) ([]float64, error) {
	joints, links, _, err := m.walk(q)
	if err != nil {
		return nil, err
	}
	n := m.DoF()
	out := make([]float64, n)
	for _, lf := range links {
		if lf.driven == 0 {
			continue
		}
		jv := linearJacobian(joints[:lf.driven], lf.com, n)
		for i := 0; i < lf.driven; i++ {
			col := mat.Col(nil, i, jv)
			out[i] += lf.mass * (col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
			if joints[i].kind == revoluteElement && lf.inertia != nil {
				local := rotateInverse(lf.orient, joints[i].axis)
				a := mat.NewVecDense(3, []float64{local.X, local.Y, local.Z})
				out[i] += mat.Inner(a, lf.inertia, a)
			}
		}
	}
	return out, nil
}

// walk composes the chain at q, returning every joint axis and link center of mass in the world
// frame along with the end-effector pose.
func (m *Model) walk(q []float64) ([]jointFrame, []linkFrame, spatialmath.Pose, error) {
	if err := joint.CheckDoF(q, m.DoF()); err != nil {
		return nil, nil, nil, err
	}
	joints := make([]jointFrame, 0, len(m.joints))
	links := make([]linkFrame, 0, len(m.chain)-len(m.joints))
	pose := spatialmath.NewZeroPose()
	for _, e := range m.chain {
		switch e.kind {
		case fixedElement:
			pose = spatialmath.Compose(pose, e.pose)
			if e.mass > 0 {
				links = append(links, linkFrame{
					com:     spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(e.com)).Point(),
					orient:  pose.Orientation(),
					mass:    e.mass,
					inertia: e.inertia,
					driven:  len(joints),
				})
			}
		case revoluteElement:
			joints = append(joints, jointFrame{origin: pose.Point(), axis: rotate(pose.Orientation(), e.axis), kind: e.kind})
			pose = spatialmath.Compose(pose, spatialmath.NewPoseFromOrientation(&spatialmath.R4AA{
				Theta: q[e.index], RX: e.axis.X, RY: e.axis.Y, RZ: e.axis.Z,
			}))
		case prismaticElement:
			joints = append(joints, jointFrame{origin: pose.Point(), axis: rotate(pose.Orientation(), e.axis), kind: e.kind})
			pose = spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(e.axis.Mul(q[e.index])))
		}
	}
	return joints, links, pose, nil
}

// linearJacobian returns the 3xn linear Jacobian of point p; columns past len(joints) are zero.
func linearJacobian(joints []jointFrame, p r3.Vector, n int) *mat.Dense {
	jv := mat.NewDense(3, n, nil)
	for i, jf := range joints {
		col := jf.axis
		if jf.kind == revoluteElement {
			col = jf.axis.Cross(p.Sub(jf.origin))
		}
		jv.Set(0, i, col.X)
		jv.Set(1, i, col.Y)
		jv.Set(2, i, col.Z)
	}
	return jv
}

func rotate(o spatialmath.Orientation, v r3.Vector) r3.Vector {
	return spatialmath.Compose(spatialmath.NewPoseFromOrientation(o), spatialmath.NewPoseFromPoint(v)).Point()
}

func rotateInverse(o spatialmath.Orientation, v r3.Vector) r3.Vector {
	inv := spatialmath.PoseInverse(spatialmath.NewPoseFromOrientation(o))
	return spatialmath.Compose(inv, spatialmath.NewPoseFromPoint(v)).Point()
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
