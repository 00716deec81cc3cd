package trajectory

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"armctl/pkg/joint"
)

// Reference is the desired joint state at one instant.
type Reference struct {
	Position     []float64
	Velocity     []float64
	Acceleration []float64
}

// Trajectory is an immutable, quintic-per-segment joint trajectory. Position, velocity and
// acceleration are continuous at every knot.
type Trajectory struct {
	goalID uuid.UUID
	dof    int
	// times[0] is always zero; times[i] ends segment i-1.
	times    []time.Duration
	segments [][]quintic // [segment][joint]
	final    []float64
}

// build plans a trajectory from the current state through every waypoint of goal. The goal must
// already be validated.
func build(goal Goal, start joint.State) *Trajectory {
	dof := len(start.Position)
	n := len(goal.Waypoints) + 1

	times := make([]time.Duration, n)
	pos := make([][]float64, n)
	pos[0] = start.Position
	for i, wp := range goal.Waypoints {
		times[i+1] = wp.Time
		pos[i+1] = wp.Position
	}

	knots := make([][]knot, n) // [knot][joint]
	for k := range knots {
		knots[k] = make([]knot, dof)
	}
	for j := 0; j < dof; j++ {
		knots[0][j] = knot{p: start.Position[j], v: valueAt(start.Velocity, j, 0)}
	}
	for i, wp := range goal.Waypoints {
		k := i + 1
		last := k == n-1
		for j := 0; j < dof; j++ {
			v, specified := specifiedAt(wp.Velocity, j)
			if !specified {
				v = 0
				if !last {
					v = heuristicVelocity(pos[k-1][j], pos[k][j], pos[k+1][j],
						(times[k] - times[k-1]).Seconds(), (times[k+1] - times[k]).Seconds())
				}
			}
			a, _ := specifiedAt(wp.Acceleration, j)
			knots[k][j] = knot{p: wp.Position[j], v: v, a: a}
		}
	}

	segments := make([][]quintic, n-1)
	for s := range segments {
		dt := (times[s+1] - times[s]).Seconds()
		segments[s] = make([]quintic, dof)
		for j := 0; j < dof; j++ {
			segments[s][j] = newQuintic(knots[s][j], knots[s+1][j], dt)
		}
	}

	return &Trajectory{
		goalID:   goal.ID,
		dof:      dof,
		times:    times,
		segments: segments,
		final:    joint.Copy(pos[n-1]),
	}
}

// specifiedAt returns v[j] when v is present and the element is not NaN. Unspecified values are
// reported as zero.
func specifiedAt(v []float64, j int) (float64, bool) {
	if v == nil || math.IsNaN(v[j]) {
		return 0, false
	}
	return v[j], true
}

func valueAt(v []float64, j int, def float64) float64 {
	if val, ok := specifiedAt(v, j); ok {
		return val
	}
	return def
}

// GoalID returns the ID of the goal the trajectory was planned from.
func (tr *Trajectory) GoalID() uuid.UUID {
	return tr.goalID
}

// DoF returns the joint count.
func (tr *Trajectory) DoF() int {
	return tr.dof
}

// Duration returns the time of the final waypoint.
func (tr *Trajectory) Duration() time.Duration {
	return tr.times[len(tr.times)-1]
}

// Done reports whether t is at or past the final waypoint.
func (tr *Trajectory) Done(t time.Duration) bool {
	return t >= tr.Duration()
}

// Waypoints returns the knot times, starting with the implicit zero.
func (tr *Trajectory) Waypoints() []time.Duration {
	out := make([]time.Duration, len(tr.times))
	copy(out, tr.times)
	return out
}

// At returns the reference at t since the trajectory started. Before the start it returns the
// start; at or past the end it holds the final position at rest. At a shared knot the incoming
// segment is used.
func (tr *Trajectory) At(t time.Duration) Reference {
	ref := Reference{
		Position:     make([]float64, tr.dof),
		Velocity:     make([]float64, tr.dof),
		Acceleration: make([]float64, tr.dof),
	}
	if t >= tr.Duration() {
		copy(ref.Position, tr.final)
		return ref
	}
	if t < 0 {
		t = 0
	}
	// first knot at or after t ends the incoming segment
	k := sort.Search(len(tr.times), func(i int) bool { return tr.times[i] >= t })
	seg := k - 1
	if seg < 0 {
		seg = 0
	}
	s := (t - tr.times[seg]).Seconds()
	for j, q := range tr.segments[seg] {
		ref.Position[j], ref.Velocity[j], ref.Acceleration[j] = q.eval(s)
	}
	return ref
}

// Sample evaluates the trajectory every step from zero through the end, inclusive.
func (tr *Trajectory) Sample(step time.Duration) ([]time.Duration, []Reference) {
	if step <= 0 {
		step = 10 * time.Millisecond
	}
	var ts []time.Duration
	var refs []Reference
	for t := time.Duration(0); t < tr.Duration(); t += step {
		ts = append(ts, t)
		refs = append(refs, tr.At(t))
	}
	ts = append(ts, tr.Duration())
	refs = append(refs, tr.At(tr.Duration()))
	return ts, refs
}
