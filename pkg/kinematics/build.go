package kinematics

import (
	"math"

	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

const symmetryTolerance = 1e-9

type node struct {
	parent string
	link   *LinkConfig
	joint  *JointConfig
}

// NewModel validates a description and builds the serial chain it describes. Every structural
// problem is reported as a ConfigurationError.
func NewModel(desc *Description) (*Model, error) {
	if desc == nil {
		return nil, configErr("description", "missing")
	}
	if len(desc.Joints) == 0 {
		return nil, configErr("description", "no joints")
	}
	if len(desc.Links) == 0 {
		return nil, configErr("description", "no links")
	}

	gravity := DefaultGravity
	if desc.Gravity != nil {
		gravity = desc.Gravity.ParseConfig()
		if !finite(gravity.X, gravity.Y, gravity.Z) {
			return nil, configErr("gravity", "non-finite value")
		}
	}

	nodes := make(map[string]*node, len(desc.Links)+len(desc.Joints))
	children := make(map[string][]string)
	add := func(id, parent string, n *node) error {
		if id == "" {
			return configErr("description", "element with empty id (parent %q)", parent)
		}
		if id == World {
			return configErr(id, "reserved id")
		}
		if _, dup := nodes[id]; dup {
			return configErr(id, "duplicate id")
		}
		nodes[id] = n
		children[parent] = append(children[parent], id)
		return nil
	}
	for i := range desc.Links {
		l := &desc.Links[i]
		if err := add(l.ID, l.Parent, &node{parent: l.Parent, link: l}); err != nil {
			return nil, err
		}
	}
	for i := range desc.Joints {
		j := &desc.Joints[i]
		if err := add(j.ID, j.Parent, &node{parent: j.Parent, joint: j}); err != nil {
			return nil, err
		}
	}

	for id, n := range nodes {
		if n.parent != World {
			if _, ok := nodes[n.parent]; !ok {
				return nil, configErr(id, "missing link: parent %q is not defined", n.parent)
			}
		}
	}

	m := &Model{name: desc.Name, gravity: gravity}
	seenActuators := make(map[string]bool)
	cur := World
	visited := 0
	for {
		next := children[cur]
		if len(next) == 0 {
			break
		}
		if len(next) > 1 {
			return nil, configErr(cur, "branches to %v; only serial chains are supported", next)
		}
		id := next[0]
		visited++
		if visited > len(nodes) {
			return nil, configErr(id, "cycle in chain")
		}
		n := nodes[id]
		if n.link != nil {
			e, err := buildLink(n.link)
			if err != nil {
				return nil, err
			}
			m.chain = append(m.chain, e)
		} else {
			e, j, err := buildJoint(n.joint, len(m.joints))
			if err != nil {
				return nil, err
			}
			if seenActuators[j.Actuator.Name] {
				return nil, configErr(id, "actuator %q drives more than one joint", j.Actuator.Name)
			}
			seenActuators[j.Actuator.Name] = true
			m.chain = append(m.chain, e)
			m.joints = append(m.joints, j)
		}
		cur = id
	}
	if visited != len(nodes) {
		return nil, configErr("description", "%d of %d elements are not reachable from %q", len(nodes)-visited, len(nodes), World)
	}
	return m, nil
}

func buildLink(l *LinkConfig) (element, error) {
	pt := l.Translation.ParseConfig()
	com := l.CenterOfMass.ParseConfig()
	if !finite(pt.X, pt.Y, pt.Z, com.X, com.Y, com.Z, l.Mass) {
		return element{}, configErr(l.ID, "non-finite value")
	}
	if l.Mass < 0 {
		return element{}, configErr(l.ID, "negative mass %v", l.Mass)
	}
	pose := spatialmath.NewPoseFromPoint(pt)
	if l.Orientation != nil {
		orient, err := l.Orientation.ParseConfig()
		if err != nil {
			return element{}, &ConfigurationError{Element: l.ID, Reason: "invalid orientation", Err: err}
		}
		pose = spatialmath.NewPose(pt, orient)
	}
	inertia, err := buildInertia(l.ID, l.Inertia)
	if err != nil {
		return element{}, err
	}
	return element{id: l.ID, kind: fixedElement, pose: pose, mass: l.Mass, com: com, inertia: inertia}, nil
}

func buildInertia(id string, vals []float64) (*mat.SymDense, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	if len(vals) != 9 {
		return nil, configErr(id, "inertia needs 9 values, got %d", len(vals))
	}
	if !finite(vals...) {
		return nil, configErr(id, "non-finite inertia")
	}
	for i := 0; i < 3; i++ {
		if vals[i*3+i] < 0 {
			return nil, configErr(id, "negative inertia diagonal")
		}
		for j := i + 1; j < 3; j++ {
			if math.Abs(vals[i*3+j]-vals[j*3+i]) > symmetryTolerance {
				return nil, configErr(id, "inertia is not symmetric")
			}
		}
	}
	return mat.NewSymDense(3, append([]float64(nil), vals...)), nil
}

func buildJoint(j *JointConfig, index int) (element, Joint, error) {
	var kind elementKind
	switch j.Type {
	case Revolute:
		kind = revoluteElement
	case Prismatic:
		kind = prismaticElement
	default:
		return element{}, Joint{}, configErr(j.ID, "unknown joint type %q", j.Type)
	}
	axis := j.Axis.ParseConfig()
	if !finite(axis.X, axis.Y, axis.Z) {
		return element{}, Joint{}, configErr(j.ID, "non-finite axis")
	}
	if axis.Norm() < 1e-9 {
		return element{}, Joint{}, configErr(j.ID, "zero axis")
	}
	axis = axis.Normalize()

	lo, hi := math.Inf(-1), math.Inf(1)
	if j.Min != nil {
		lo = *j.Min
	}
	if j.Max != nil {
		hi = *j.Max
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || lo > hi {
		return element{}, Joint{}, configErr(j.ID, "invalid limits [%v, %v]", lo, hi)
	}

	act := j.Actuator
	if act.Name == "" {
		act.Name = j.ID
	}
	return element{id: j.ID, kind: kind, axis: axis, index: index},
		Joint{ID: j.ID, Type: j.Type, Axis: axis, Min: lo, Max: hi, Actuator: act},
		nil
}

// NewDefaultModel builds the embedded 6-DoF arm.
func NewDefaultModel() (*Model, error) {
	return NewModel(DefaultDescription())
}
